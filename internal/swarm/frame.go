package swarm

import (
	"io"

	"github.com/libp2p/go-msgio"
)

// writeFrame writes payload (expected to already be CBOR-encoded by
// the caller) as a single varint-length-prefixed message; msgio
// supplies the stream delimiting, CBOR supplies the payload encoding.
func writeFrame(w io.Writer, payload []byte) error {
	writer := msgio.NewVarintWriter(w)
	return writer.WriteMsg(payload)
}

// readFrame reads one varint-length-prefixed message and returns its
// raw (still CBOR-encoded) bytes for the caller to unmarshal.
func readFrame(r io.Reader) ([]byte, error) {
	reader := msgio.NewVarintReader(r)
	return reader.ReadMsg()
}
