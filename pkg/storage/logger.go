package storage

import (
	"strings"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// zapBadgerLogger routes Badger's internal logging through zap.
type zapBadgerLogger struct {
	s *zap.SugaredLogger
}

// NewZapLogger adapts logger for BadgerOptions.Logger. Badger's chatty
// info output is demoted to debug.
func NewZapLogger(logger *zap.Logger) badger.Logger {
	return zapBadgerLogger{s: logger.Named("badger").Sugar()}
}

func (l zapBadgerLogger) Errorf(f string, v ...interface{})   { l.s.Errorf(trim(f), v...) }
func (l zapBadgerLogger) Warningf(f string, v ...interface{}) { l.s.Warnf(trim(f), v...) }
func (l zapBadgerLogger) Infof(f string, v ...interface{})    { l.s.Debugf(trim(f), v...) }
func (l zapBadgerLogger) Debugf(f string, v ...interface{})   { l.s.Debugf(trim(f), v...) }

func trim(f string) string { return strings.TrimSuffix(f, "\n") }
