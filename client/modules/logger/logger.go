package logger

import (
	"fmt"

	"github.com/fatih/color"
)

type Logger interface {
	Log(format string, args ...interface{})
}

// nodeLogger prefixes every line with the colored node id, so interleaved
// output from several in-process nodes stays readable.
type nodeLogger struct {
	nodeID string
	paint  *color.Color
}

func NewLogger(nodeID string) Logger {
	return &nodeLogger{
		nodeID: nodeID,
		paint:  color.New(color.FgCyan),
	}
}

func (l *nodeLogger) Log(format string, args ...interface{}) {
	fmt.Printf("[%s] %s\n", l.paint.Sprint(l.nodeID), fmt.Sprintf(format, args...))
}
