package archive

import (
	"time"

	"github.com/hubenschmidt/bagger-spl/runwatch/internal/runs"
)

// Record is an archived terminal run.
type Record struct {
	runs.Run
	ArchivedAt     time.Time `json:"archived_at"`
	IterationCount int       `json:"iteration_count"`
}
