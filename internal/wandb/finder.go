// Package wandb discovers a run's tracker URL under a job's working
// directory, so the scheduler can surface a link to the live metrics
// dashboard before the job finishes.
package wandb

import (
	"bufio"
	"os"
	"path/filepath"
	"regexp"
	"time"
)

// MaxAge bounds how long a job is probed before giving up, avoiding
// indefinite polling for jobs that never write a tracker URL.
const MaxAge = 2 * time.Hour

var urlPattern = regexp.MustCompile(`https://wandb\.ai/\S+`)

// Finder looks under a job's directory for a tracker URL.
type Finder interface {
	Find(dir string) (url string, found bool, err error)
}

// LogScanFinder greps known wandb metadata locations under dir/repo, and
// the job's dir/output.log, for a run URL, mirroring the original's integrations/wandb.py file-probe
// approach (no network calls to the wandb API).
type LogScanFinder struct{}

func NewLogScanFinder() *LogScanFinder {
	return &LogScanFinder{}
}

var candidateFiles = []string{
	"repo/wandb/debug.log",
	"repo/wandb/latest-run/logs/debug.log",
	"output.log",
}

func (f *LogScanFinder) Find(dir string) (string, bool, error) {
	for _, rel := range candidateFiles {
		path := filepath.Join(dir, rel)
		url, found, err := scanFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", false, err
		}
		if found {
			return url, true, nil
		}
	}
	return "", false, nil
}

func scanFile(path string) (string, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", false, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if match := urlPattern.FindString(scanner.Text()); match != "" {
			return match, true, nil
		}
	}
	return "", false, scanner.Err()
}
