// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/fieldschema/services/fields/bundled"
	"github.com/AleutianAI/fieldschema/services/fields/migration"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const urlKey = "com.atlassian.jira.plugin.system.customfieldtypes:url"

// writeConfig writes a config file using a fresh store directory and
// returns its path.
func writeConfig(t *testing.T, listen string) string {
	t.Helper()
	t.Setenv(bundled.EnvLatestPath, "")
	dir := t.TempDir()
	if listen == "" {
		listen = "127.0.0.1:8087"
	}
	body := fmt.Sprintf(`store:
  path: %s
  sync_writes: false
http:
  listen: %s
log:
  level: error
  quiet: true
telemetry:
  trace_exporter: none
  metric_exporter: none
`, filepath.Join(dir, "store"), listen)
	path := filepath.Join(dir, "fieldschema.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func run(t *testing.T, config string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--config", config, "--machine"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestBootstrapCmd(t *testing.T) {
	config := writeConfig(t, "")

	out, err := run(t, config, "bootstrap")
	require.NoError(t, err)
	assert.Contains(t, out, "PATH: no_actual,bootstrapping_default,auto_upgrading,ready\n")
	assert.Contains(t, out, "OK: revision 2,")

	out, err = run(t, config, "bootstrap")
	require.NoError(t, err)
	assert.Contains(t, out, "PATH: ready\n")
}

func TestShowCmd(t *testing.T) {
	config := writeConfig(t, "")

	out, err := run(t, config, "show")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "KEY\tTYPE\tEDITABLE\n"))
	assert.Contains(t, out, urlKey+"\tunsupported\tfalse\n")

	out, err = run(t, config, "show", urlKey)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "<field "))

	_, err = run(t, config, "show", "no:such")
	require.Error(t, err)
}

func TestUpdateAndExportCmd(t *testing.T) {
	config := writeConfig(t, "")
	doc := filepath.Join(t.TempDir(), "fields.xml")
	require.NoError(t, os.WriteFile(doc, []byte(`<fields revision="3">
  <field key="`+urlKey+`" type="text" multiline="false"/>
</fields>`), 0o600))

	out, err := run(t, config, "update", doc)
	require.NoError(t, err)
	assert.Equal(t, "OK: committed revision 3 (1 fields)\n", out)

	out, err = run(t, config, "export")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, `<fields revision="3">`))

	exported := filepath.Join(t.TempDir(), "export.xml")
	_, err = run(t, config, "export", "-o", exported)
	require.NoError(t, err)
	data, err := os.ReadFile(exported)
	require.NoError(t, err)
	assert.Equal(t, out, string(data))

	// Export is accepted back unchanged.
	_, err = run(t, config, "update", exported)
	require.NoError(t, err)
}

func TestUpdateCmd_Errors(t *testing.T) {
	config := writeConfig(t, "")

	_, err := run(t, config, "update", filepath.Join(t.TempDir(), "missing.xml"))
	require.Error(t, err)

	stale := filepath.Join(t.TempDir(), "stale.xml")
	require.NoError(t, os.WriteFile(stale, []byte(`<fields revision="1"><field key="a" type="text"/></fields>`), 0o600))
	_, err = run(t, config, "update", stale)
	assert.ErrorIs(t, err, migration.ErrStaleRevision)

	_, err = run(t, config, "update")
	require.Error(t, err)
}

func TestRootCmd_BadConfig(t *testing.T) {
	_, err := run(t, filepath.Join(t.TempDir(), "missing.yaml"), "bootstrap")
	require.Error(t, err)

	_, err = run(t, writeConfig(t, ""), "--log-level", "loud", "bootstrap")
	require.Error(t, err)
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestServe(t *testing.T) {
	config := writeConfig(t, freeAddr(t))
	opts := &rootOptions{configPath: config}

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() { done <- serve(ctx, opts, false, ready) }()

	var addr string
	select {
	case addr = <-ready:
	case err := <-done:
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not start")
	}

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/v1/ready")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 10*time.Second, 20*time.Millisecond)

	resp, err := http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("serve did not stop")
	}
}
