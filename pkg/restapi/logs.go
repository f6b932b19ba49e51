package restapi

import (
	"bufio"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"

	"github.com/nazq/tei-manager/pkg/apierrors"
)

type logsResponse struct {
	Lines []string `json:"lines"`
}

// handleLogs tails the worker's log sink file and returns the half-open
// line range [start, end), Python-slice style: negative indices count from
// the end of the file, a missing end means through the last line.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	view, err := s.registry.Get(name)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	if view.Runtime.LogSink == "" {
		writeJSON(w, http.StatusOK, logsResponse{Lines: []string{}})
		return
	}

	lines, err := readLines(view.Runtime.LogSink)
	if err != nil {
		s.writeAPIError(w, apierrors.Wrap(apierrors.Internal, err, "failed to read log sink for %q", name))
		return
	}

	start := parseIntQuery(r, "start", 0)
	end := parseIntQuery(r, "end", len(lines))
	lo, hi := sliceBounds(len(lines), start, end)

	writeJSON(w, http.StatusOK, logsResponse{Lines: lines[lo:hi]})
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}

// sliceBounds normalizes a Python-style [start:end) slice against a
// sequence of length n, clamping both ends into [0, n].
func sliceBounds(n, start, end int) (int, int) {
	if start < 0 {
		start += n
	}
	if end < 0 {
		end += n
	}
	if start < 0 {
		start = 0
	}
	if end > n {
		end = n
	}
	if start > n {
		start = n
	}
	if end < start {
		end = start
	}
	return start, end
}
