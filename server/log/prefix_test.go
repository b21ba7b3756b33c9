package log

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

type captureLog struct {
	lines []string
}

func (c *captureLog) Close()                            {}
func (c *captureLog) Debugf(format string, a ...any)    { c.add("D", format, a...) }
func (c *captureLog) Infof(format string, a ...any)     { c.add("I", format, a...) }
func (c *captureLog) Warnf(format string, a ...any)     { c.add("W", format, a...) }
func (c *captureLog) Errorf(format string, a ...any)    { c.add("E", format, a...) }
func (c *captureLog) Criticalf(format string, a ...any) { c.add("C", format, a...) }

func (c *captureLog) add(level, format string, a ...any) {
	c.lines = append(c.lines, level+" "+fmt.Sprintf(format, a...))
}

func TestPrefixLogger(t *testing.T) {
	c := &captureLog{}
	l := NewPrefixLogger(c, "Ingest:")
	l.Infof("Selected %v", "upload")
	l.Errorf("Failed after %v polls", 3)
	NewPrefixLoggerNoSpace(c, "[x]").Warnf("y")
	require.Equal(t, []string{"I Ingest: Selected upload", "E Ingest: Failed after 3 polls", "W [x]y"}, c.lines)
}

func TestSubLogger(t *testing.T) {
	c := &captureLog{}
	train := NewPrefixLogger(c, "Train:")
	load := train.Sub("Load:")
	require.Same(t, c, load.Log)
	load.Infof("Using %v", "pooling")
	NewPrefixLogger(c, "100%").Infof("done")
	require.Equal(t, []string{"I Train: Load: Using pooling", "I 100% done"}, c.lines)
}
