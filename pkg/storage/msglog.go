package storage

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edniaj/centralised-exchange/pkg/metrics"
	"github.com/edniaj/centralised-exchange/pkg/util"
)

// MessageLog records raw session traffic, one line per frame.
type MessageLog interface {
	Append(session, direction string, frame []byte)
}

type NopMessageLog struct{}

func (NopMessageLog) Append(string, string, []byte) {}

// FileMessageLog appends "<time> <session> <in|out> <frame>" lines, with SOH
// shown as '|'. Write failures never block the session; they are counted and
// logged once per run of consecutive failures.
type FileMessageLog struct {
	mu      sync.Mutex
	f       *os.File
	log     *zap.SugaredLogger
	failing bool
}

func NewFileMessageLog(path string, log *zap.SugaredLogger) (*FileMessageLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileMessageLog{f: f, log: util.OrNop(log)}, nil
}

func (l *FileMessageLog) Append(session, direction string, frame []byte) {
	line := strings.ReplaceAll(string(frame), "\x01", "|")
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := fmt.Fprintf(l.f, "%s %s %s %s\n", time.Now().UTC().Format(time.RFC3339Nano), session, direction, line)
	if err == nil {
		if l.failing {
			l.log.Infow("message_log_recovered", "path", l.f.Name())
			l.failing = false
		}
		return
	}
	metrics.MessageLogErrors.Inc()
	if !l.failing {
		l.log.Warnw("message_log_write_failed", "path", l.f.Name(), "session", session, "err", err)
		l.failing = true
	}
}

func (l *FileMessageLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

var (
	_ MessageLog = NopMessageLog{}
	_ MessageLog = (*FileMessageLog)(nil)
)
