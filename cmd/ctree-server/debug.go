package main

import (
	"encoding/json"
	"log/slog"
	"os"
)

type debugMsgType int

const (
	writeDebug debugMsgType = iota
	syncDebug
)

type debugMessage struct {
	msgType debugMsgType
	line    []byte
}

// debugLog dumps JSON values into a file, one per line, from a single goroutine.
//
// Values are marshaled by the caller, so they may be mutated as soon as write returns.
// A nil *debugLog discards everything.
type debugLog struct {
	logger *slog.Logger
	msgs   chan debugMessage
	done   chan struct{}
}

// openDebugLog creates the file at filename and starts the writer goroutine.
func openDebugLog(filename string, logger *slog.Logger) (*debugLog, error) {
	f, err := os.Create(filename)
	if err != nil {
		return nil, err
	}
	d := &debugLog{
		logger: logger,
		msgs:   make(chan debugMessage, 10),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(d.done)
		defer f.Close()
		for msg := range d.msgs {
			switch msg.msgType {
			case writeDebug:
				f.Write(msg.line)
			case syncDebug:
				f.Sync()
			}
		}
	}()
	logger.Info("dumping debug information", "file", filename)
	return d, nil
}

func (d *debugLog) enabled() bool { return d != nil }

func (d *debugLog) write(x any) {
	if !d.enabled() {
		return
	}
	bs, err := json.Marshal(x)
	if err != nil {
		d.logger.Warn("writing to debug file", "error", err)
		return
	}
	d.msgs <- debugMessage{msgType: writeDebug, line: append(bs, '\n')}
}

func (d *debugLog) sync() {
	if d.enabled() {
		d.msgs <- debugMessage{msgType: syncDebug}
	}
}

// Close flushes pending messages and closes the file.
func (d *debugLog) Close() {
	if d.enabled() {
		close(d.msgs)
		<-d.done
	}
}
