package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// sender is the part of connection.Client the command reader uses.
type sender interface {
	Send(msgType string, payload any) error
}

var errEmptyType = errors.New("message type is required")

// parseCommand splits a "<type> <json>" line. A missing payload sends null.
func parseCommand(line string) (string, json.RawMessage, error) {
	line = strings.TrimSpace(line)
	msgType, rest, _ := strings.Cut(line, " ")
	if msgType == "" {
		return "", nil, errEmptyType
	}

	rest = strings.TrimSpace(rest)
	if rest == "" {
		return msgType, json.RawMessage("null"), nil
	}
	if !json.Valid([]byte(rest)) {
		return "", nil, fmt.Errorf("payload for %q is not valid JSON", msgType)
	}
	return msgType, json.RawMessage(rest), nil
}

// readCommands sends one envelope per non-empty, non-comment input line.
func readCommands(ctx context.Context, r io.Reader, client sender, logger *slog.Logger) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}

		line := scanner.Text()
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
			continue
		}

		msgType, payload, err := parseCommand(line)
		if err != nil {
			logger.Warn("ignoring input line", "error", err)
			continue
		}

		if err := client.Send(msgType, payload); err != nil {
			logger.Warn("send failed", "type", msgType, "error", err)
			continue
		}
		logger.Debug("sent", "type", msgType)
	}

	if err := scanner.Err(); err != nil {
		logger.Warn("stdin read failed", "error", err)
	}
}
