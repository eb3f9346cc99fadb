package publisher

import (
	"encoding/json"
	"fmt"

	"github.com/tesseradb/tessera/encoding"
)

// JSONTransformer renders records as a JSON envelope, the default sink
// format.
type JSONTransformer struct{}

func (JSONTransformer) Transform(rec TxnRecord) ([]byte, error) {
	return json.Marshal(rec)
}

// MsgpackTransformer renders records in the cluster's internal wire
// encoding, for consumers that already speak it.
type MsgpackTransformer struct{}

func (MsgpackTransformer) Transform(rec TxnRecord) ([]byte, error) {
	return encoding.Marshal(rec)
}

func createTransformer(format string) (Transformer, error) {
	switch format {
	case "", "json":
		return JSONTransformer{}, nil
	case "msgpack":
		return MsgpackTransformer{}, nil
	default:
		return nil, fmt.Errorf("unknown sink format %q", format)
	}
}
