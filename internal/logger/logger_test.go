package logger

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	s := bufio.NewScanner(buf)
	var out []map[string]any
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	require.NoError(t, s.Err())
	return out
}

func TestLogLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	UseWriter(&buf)
	require.NoError(t, SetLevel("info"))

	Debug("debug message should be filtered")
	Info("info message", "k", 1)

	records := decodeLines(t, &buf)
	require.Len(t, records, 1)
	require.Equal(t, "info message", records[0]["msg"])

	buf.Reset()
	require.NoError(t, SetLevel("debug"))
	Debug("visible debug", "a", 2)
	records = decodeLines(t, &buf)
	require.Len(t, records, 1)
	require.Equal(t, "debug", records[0]["level"])
}

func TestFieldExtraction(t *testing.T) {
	var buf bytes.Buffer
	UseWriter(&buf)
	require.NoError(t, SetLevel("debug"))

	l := WithCommand(WithProducer(WithConn(Logger(), "c1", "127.0.0.1:1234"), "prod-1", "inst-1"), "cmd-1", "prod-1", "mouse_click")
	l.WithField("extra", 42).Info("hello world")

	records := decodeLines(t, &buf)
	require.Len(t, records, 1)
	rec := records[0]
	for _, k := range []string{"conn_id", "remote_addr", "producer_id", "instance_id", "command_id", "kind"} {
		require.Contains(t, rec, k)
	}
	require.Equal(t, "c1", rec["conn_id"])
	require.Equal(t, "prod-1", rec["producer_id"])
	require.Equal(t, "mouse_click", rec["kind"])
}

func TestParseLevel(t *testing.T) {
	cases := map[string]string{
		"debug": "debug",
		"info":  "info",
		"warn":  "warning",
		"error": "error",
	}
	for in, expect := range cases {
		require.NoError(t, SetLevel(in))
		require.Equal(t, expect, Level())
	}
	require.Error(t, SetLevel("bogus"))
}
