// SPDX-License-Identifier: Apache-2.0

// Package plog is the logging surface shared by the writer, reader, index
// kernel and schema orchestrator.
package plog

import "github.com/pterm/pterm"

// Logger is the logging contract every component depends on instead of
// talking to pterm directly.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)

	LogRowError(table string, ordinal int64, preview string, err error)
	LogBatchSplit(table string, ordinal int64, size int)
	LogDecodeError(table, column string, position int, err error)
	LogTableSkipped(table string, err error)

	LogPrepareStart(table string)
	LogPrepareComplete(table string)
	LogIndexBuildStart(table, index string)
	LogIndexBuildComplete(table, index string)
	LogIndexBuildFailed(table, index string, err error)
	LogSequenceReset(table, sequence string, count int64)
}

type pLogger struct {
	logger pterm.Logger
}

// New returns a Logger backed by pterm's structured logger.
func New() Logger {
	return &pLogger{logger: pterm.DefaultLogger}
}

func (l *pLogger) Info(msg string, args ...any) {
	l.logger.Info(msg, l.logger.Args(args...))
}

func (l *pLogger) Warn(msg string, args ...any) {
	l.logger.Warn(msg, l.logger.Args(args...))
}

func (l *pLogger) LogRowError(table string, ordinal int64, preview string, err error) {
	l.logger.Error("dropping row", l.logger.Args(
		"table", table, "ordinal", ordinal, "preview", preview, "error", err))
}

func (l *pLogger) LogBatchSplit(table string, ordinal int64, size int) {
	l.logger.Warn("splitting batch after failure", l.logger.Args(
		"table", table, "start_ordinal", ordinal, "size", size))
}

func (l *pLogger) LogDecodeError(table, column string, position int, err error) {
	l.logger.Warn("substituting null for undecodable cell", l.logger.Args(
		"table", table, "column", column, "position", position, "error", err))
}

func (l *pLogger) LogTableSkipped(table string, err error) {
	l.logger.Error("skipping table", l.logger.Args("table", table, "error", err))
}

func (l *pLogger) LogPrepareStart(table string) {
	l.logger.Info("preparing table", l.logger.Args("table", table))
}

func (l *pLogger) LogPrepareComplete(table string) {
	l.logger.Info("prepared table", l.logger.Args("table", table))
}

func (l *pLogger) LogIndexBuildStart(table, index string) {
	l.logger.Info("building index", l.logger.Args("table", table, "index", index))
}

func (l *pLogger) LogIndexBuildComplete(table, index string) {
	l.logger.Info("built index", l.logger.Args("table", table, "index", index))
}

func (l *pLogger) LogIndexBuildFailed(table, index string, err error) {
	l.logger.Error("index build failed", l.logger.Args("table", table, "index", index, "error", err))
}

func (l *pLogger) LogSequenceReset(table, sequence string, count int64) {
	l.logger.Info("reset sequence", l.logger.Args("table", table, "sequence", sequence, "count", count))
}

type noopLogger struct{}

// NewNoop returns a Logger that discards everything, for tests.
func NewNoop() Logger { return &noopLogger{} }

func (*noopLogger) Info(msg string, args ...any) {}
func (*noopLogger) Warn(msg string, args ...any) {}
func (*noopLogger) LogRowError(table string, ordinal int64, preview string, err error)  {}
func (*noopLogger) LogBatchSplit(table string, ordinal int64, size int)                 {}
func (*noopLogger) LogDecodeError(table, column string, position int, err error)        {}
func (*noopLogger) LogTableSkipped(table string, err error)                             {}
func (*noopLogger) LogPrepareStart(table string)                                        {}
func (*noopLogger) LogPrepareComplete(table string)                                     {}
func (*noopLogger) LogIndexBuildStart(table, index string)                              {}
func (*noopLogger) LogIndexBuildComplete(table, index string)                           {}
func (*noopLogger) LogIndexBuildFailed(table, index string, err error)                  {}
func (*noopLogger) LogSequenceReset(table, sequence string, count int64)                {}
