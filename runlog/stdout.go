package runlog

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"

	"github.com/hazyhaar/uipatch/patch"
)

// Stdout writes each report as a JSON line to an io.Writer (default os.Stdout).
type Stdout struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewStdout creates a Stdout sink. If w is nil, os.Stdout is used.
func NewStdout(w io.Writer) *Stdout {
	if w == nil {
		w = os.Stdout
	}
	return &Stdout{enc: json.NewEncoder(w)}
}

func (s *Stdout) Record(_ context.Context, rep patch.Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enc.Encode(envelope{Type: "run", Data: rep})
}

type envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}
