package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"iot-trust-gateway/internal/secevent"
)

const testConfig = `
broker:
  driver: none
security:
  encryption_key: IoTSecurityDemoKey12345678901234
  event_log: ""
  event_db: %s
devices:
  farm_sensor_01:
    secret_key: sensor01_secret_key
    permissions: [publish_data]
auth:
  bcrypt_cost: 4
`

func writeConfig(t *testing.T) (path, dbPath string) {
	t.Helper()
	dir := t.TempDir()
	dbPath = filepath.Join(dir, "events.db")
	path = filepath.Join(dir, "config.yaml")
	body := strings.Replace(testConfig, "%s", dbPath, 1)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path, dbPath
}

func runCLI(t *testing.T, cfgPath, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--config", cfgPath, "--log-level", "error"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestSignThenVerify(t *testing.T) {
	cfgPath, _ := writeConfig(t)

	signed, err := runCLI(t, cfgPath, `{"temperature": 24.5, "humidity": 60.0, "soil_moisture": 500}`, "sign", "--device", "farm_sensor_01")
	require.NoError(t, err)
	assert.Contains(t, signed, `"signature": "`)
	assert.Contains(t, signed, `"device_id": "farm_sensor_01"`)

	out, err := runCLI(t, cfgPath, signed, "verify")
	require.NoError(t, err)
	assert.Contains(t, out, "signature: valid")
	assert.Contains(t, out, "timestamp: fresh")

	tampered := strings.Replace(signed, "24.5", "99.5", 1)
	out, err = runCLI(t, cfgPath, tampered, "verify")
	assert.ErrorIs(t, err, errInvalidSignature)
	assert.Contains(t, out, "signature: invalid")
}

func TestSign_OldTimestampIsStale(t *testing.T) {
	cfgPath, _ := writeConfig(t)
	old := time.Now().Add(-2 * time.Minute).Unix()

	signed, err := runCLI(t, cfgPath, `{"temperature": 20}`, "sign", "--device", "farm_sensor_01", "--timestamp", strconv.FormatInt(old, 10))
	require.NoError(t, err)

	out, err := runCLI(t, cfgPath, signed, "verify")
	require.NoError(t, err)
	assert.Contains(t, out, "signature: valid")
	assert.Contains(t, out, "timestamp: stale")
}

func TestSign_UnknownDevice(t *testing.T) {
	cfgPath, _ := writeConfig(t)
	_, err := runCLI(t, cfgPath, `{"temperature": 20}`, "sign", "--device", "ghost")
	assert.Error(t, err)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	cfgPath, _ := writeConfig(t)

	signed, err := runCLI(t, cfgPath, `{"temperature": 21.5}`, "sign", "--device", "farm_sensor_01")
	require.NoError(t, err)

	sealed, err := runCLI(t, cfgPath, signed, "encrypt")
	require.NoError(t, err)
	assert.Contains(t, sealed, `"is_encrypted": true`)
	assert.NotContains(t, sealed, "farm_sensor_01")

	out, err := runCLI(t, cfgPath, sealed, "verify")
	require.NoError(t, err)
	assert.Contains(t, out, "signature: valid")

	opened, err := runCLI(t, cfgPath, sealed, "decrypt")
	require.NoError(t, err)
	assert.Contains(t, opened, `"device_id": "farm_sensor_01"`)

	_, err = runCLI(t, cfgPath, signed, "decrypt")
	assert.Error(t, err)

	sealedDirect, err := runCLI(t, cfgPath, `{"temperature": 21.5}`, "sign", "--device", "farm_sensor_01", "--encrypt")
	require.NoError(t, err)
	assert.Contains(t, sealedDirect, `"is_encrypted": true`)
}

func TestEventsListsStoredEvents(t *testing.T) {
	cfgPath, dbPath := writeConfig(t)

	db, err := secevent.OpenSQLiteSink(dbPath)
	require.NoError(t, err)
	require.NoError(t, db.Write(secevent.New(time.Now(), secevent.MessageReplay, "sensors.topic", "farm_sensor_01", "Message replay detected")))
	require.NoError(t, db.Close())

	out, err := runCLI(t, cfgPath, "", "events", "--kind", "message_replay")
	require.NoError(t, err)
	assert.Contains(t, out, "MESSAGE_REPLAY")
	assert.Contains(t, out, "farm_sensor_01")

	out, err = runCLI(t, cfgPath, "", "events", "--kind", "INVALID_SIGNATURE")
	require.NoError(t, err)
	assert.Contains(t, out, "No security events found.")

	_, err = runCLI(t, cfgPath, "", "events", "--kind", "bogus")
	assert.Error(t, err)
}

func TestHashPassword(t *testing.T) {
	cfgPath, _ := writeConfig(t)
	out, err := runCLI(t, cfgPath, "hunter2\n", "hash-password")
	require.NoError(t, err)
	hash := strings.TrimSpace(out)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("hunter2")))
}
