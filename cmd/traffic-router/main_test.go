package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/traffic-router/internal/config"
)

const routeJSON = `{"summary":{"length_in_meters":1200,"travel_time_in_seconds":180},
"legs":[{"summary":{"length_in_meters":1200},"points":[{"lat":52.5,"lon":13.4},{"lat":52.51,"lon":13.41}]}]}`

func TestReadRoute(t *testing.T) {
	dir := t.TempDir()
	bare := filepath.Join(dir, "route.json")
	require.NoError(t, os.WriteFile(bare, []byte(routeJSON), 0600))
	wrapped := filepath.Join(dir, "request.json")
	require.NoError(t, os.WriteFile(wrapped, []byte(`{"route":`+routeJSON+`}`), 0600))

	for _, path := range []string{bare, wrapped} {
		route, err := readRoute(path, nil)
		require.NoError(t, err, path)
		assert.Equal(t, 1200, route.Summary.LengthInMeters)
		assert.Equal(t, 2, route.PointCount())
	}

	route, err := readRoute("-", strings.NewReader(routeJSON))
	require.NoError(t, err)
	assert.Equal(t, 180, route.Summary.TravelTimeInSeconds)

	_, err = readRoute("-", strings.NewReader(`{"summary":`))
	assert.Error(t, err)

	_, err = readRoute(filepath.Join(dir, "missing.json"), nil)
	assert.Error(t, err)
}

func TestParseCoordinate(t *testing.T) {
	coord, err := parseCoordinate("52.52, 13.405")
	require.NoError(t, err)
	assert.Equal(t, 52.52, coord.Lat)
	assert.Equal(t, 13.405, coord.Lon)

	for _, raw := range []string{"52.52", "north,13.4", "52.5,east", "95,13.4"} {
		_, err := parseCoordinate(raw)
		assert.Error(t, err, raw)
	}
}

func TestVersionCmd(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "Traffic Router dev")
}

func TestAnalyzeCmd_RequiresRoute(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"analyze"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--route is required")
}

func TestPointCmd_Flags(t *testing.T) {
	for _, tt := range []struct {
		args   []string
		errMsg string
	}{
		{[]string{"point"}, "--at is required"},
		{[]string{"point", "--at", "52.5"}, "point must be lat,lon"},
	} {
		cmd := newRootCmd()
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetErr(&bytes.Buffer{})
		cmd.SetArgs(tt.args)

		err := cmd.Execute()
		require.Error(t, err)
		assert.Contains(t, err.Error(), tt.errMsg)
	}
}

func TestWriteIndented(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, writeIndented(&out, map[string]int{"jams": 2}))
	assert.Equal(t, "{\n  \"jams\": 2\n}\n", out.String())
}

func TestSetupLogger(t *testing.T) {
	logger := logrus.New()

	require.NoError(t, setupLogger(logger, config.LoggingConfig{Level: "debug", Format: "text", Output: "stderr"}))
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, logger.Formatter)

	logFile := filepath.Join(t.TempDir(), "router.log")
	require.NoError(t, setupLogger(logger, config.LoggingConfig{Level: "warn", Format: "json", Output: logFile}))
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)
	logger.Warn("written")
	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written")

	assert.Error(t, setupLogger(logger, config.LoggingConfig{Level: "loud", Format: "json"}))
	assert.Error(t, setupLogger(logger, config.LoggingConfig{Level: "info", Format: "xml"}))
}
