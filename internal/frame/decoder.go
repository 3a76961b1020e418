package frame

import "strings"

// maxPending bounds the held-back tail so a peer that never sends a
// delimiter cannot grow it without limit.
const maxPending = 64 << 10

// Decoder turns successive reads from the peer into frames.
//
// The peer terminates every frame with '#', but a read that fills the whole
// receive buffer may stop mid-frame. Feed is told whether the chunk filled
// the buffer; only then is an unterminated tail held back for the next read.
// Otherwise the tail is treated as a complete frame.
type Decoder struct {
	pending string
}

// Result is one decoded segment: either a frame or the error it produced.
type Result struct {
	Frame Frame
	Raw   string
	Err   error
}

// Feed decodes chunk, prefixed by any tail held back from the previous call.
func (d *Decoder) Feed(chunk string, truncated bool) []Result {
	data := d.pending + chunk
	d.pending = ""

	if truncated && len(data) <= maxPending {
		if i := strings.LastIndexByte(data, Delimiter); i < len(data)-1 {
			d.pending = data[i+1:]
			data = data[:i+1]
		}
	}

	segments := Split(data)
	out := make([]Result, 0, len(segments))
	for _, seg := range segments {
		f, err := ParseAssignment(seg)
		out = append(out, Result{Frame: f, Raw: seg, Err: err})
	}
	return out
}

// Pending returns the tail held back for the next Feed.
func (d *Decoder) Pending() string { return d.pending }

// Reset drops any held-back tail.
func (d *Decoder) Reset() { d.pending = "" }
