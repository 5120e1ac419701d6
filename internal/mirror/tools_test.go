package mirror

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func TestSHA1Verifier(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeTestFile(t, filepath.Join(dir, "foo_1.0.0.zip"), "abc")
	// sha1("abc")
	writeTestFile(t, filepath.Join(dir, "foo_1.0.0.sha1"), "a9993e364706816aba3e25717850c26c9cd0d89d  ./foo_1.0.0.zip\n")
	writeTestFile(t, filepath.Join(dir, "bad.sha1"), "0000000000000000000000000000000000000000  ./foo_1.0.0.zip\n")
	writeTestFile(t, filepath.Join(dir, "gone.sha1"), "a9993e364706816aba3e25717850c26c9cd0d89d  ./gone.zip\n")
	writeTestFile(t, filepath.Join(dir, "escape.sha1"), "a9993e364706816aba3e25717850c26c9cd0d89d  ./../foo_1.0.0.zip\n")

	testCases := []struct {
		sidecar    string
		ok         bool
		wantOutput string
	}{
		{"foo_1.0.0.sha1", true, "./foo_1.0.0.zip: OK\n"},
		{"bad.sha1", false, "./foo_1.0.0.zip: FAILED\n"},
		{"gone.sha1", false, "./gone.zip: FAILED open or read\n"},
		{"escape.sha1", false, ""},
		{"missing.sha1", false, ""},
	}

	for _, tc := range testCases {
		out := SHA1Verifier{}.Verify(context.Background(), dir, tc.sidecar)
		if out.OK() != tc.ok {
			t.Errorf("%s: OK() = %v, want %v (err %v)", tc.sidecar, out.OK(), tc.ok, out.Err)
		}
		if string(out.Output) != tc.wantOutput {
			t.Errorf("%s: output = %q, want %q", tc.sidecar, out.Output, tc.wantOutput)
		}
	}
}

func TestHTTPDownloader(t *testing.T) {
	t.Parallel()

	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/download/foo/r1" {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("token") != "s3cr3t" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		w.Write([]byte("archive bytes"))
	})
	server := httptest.NewServer(h)
	defer server.Close()

	dir := t.TempDir()
	d := NewHTTPDownloader(time.Minute, false)

	dest := filepath.Join(dir, "foo_1.0.0.zip")
	out := d.Download(context.Background(), server.URL+"/download/foo/r1?username=u&token=s3cr3t", dest)
	if !out.OK() {
		t.Fatal(out.Err)
	}
	if got := readTestFile(t, dest); got != "archive bytes" {
		t.Errorf("content = %q", got)
	}

	failed := filepath.Join(dir, "foo_2.0.0.zip")
	out = d.Download(context.Background(), server.URL+"/download/foo/r2?username=u&token=s3cr3t", failed)
	if out.OK() {
		t.Fatal("404 should fail")
	}
	if !strings.Contains(out.Err.Error(), "404") {
		t.Errorf("error = %v", out.Err)
	}

	// neither the failed file nor temporary files remain
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "foo_1.0.0.zip" {
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("directory = %v", names)
	}
}

func TestHTTPDownloaderHidesURL(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.NotFoundHandler())
	addr := server.URL
	server.Close()

	d := NewHTTPDownloader(time.Second, false)
	out := d.Download(context.Background(), addr+"/download/foo/r1?username=u&token=s3cr3t", filepath.Join(t.TempDir(), "x.zip"))
	if out.OK() {
		t.Fatal("download from a closed server should fail")
	}
	if strings.Contains(out.Err.Error(), "s3cr3t") {
		t.Errorf("error leaks the token: %v", out.Err)
	}
}

func TestHTTPDownloaderMalformedURL(t *testing.T) {
	t.Parallel()

	d := NewHTTPDownloader(time.Second, false)
	dest := filepath.Join(t.TempDir(), "x.zip")
	out := d.Download(context.Background(), "https://mods.factorio.com/download/foo/1%zz?username=u&token=s3cr3t", dest)
	if out.OK() {
		t.Fatal("malformed URL should fail")
	}
	if strings.Contains(out.Err.Error(), "s3cr3t") {
		t.Errorf("error leaks the token: %v", out.Err)
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Errorf("destination created: %v", err)
	}
}

func TestRemoteDest(t *testing.T) {
	t.Parallel()

	for _, remote := range []string{"gdrive:/archive", "gdrive:/archive/"} {
		if got := remoteDest(remote, "foo"); got != "gdrive:/archive/foo" {
			t.Errorf("remoteDest(%q) = %q", remote, got)
		}
	}
}

// writeScript creates an executable shell script standing in for an
// external program. Tests running scripts are not parallel: a concurrent
// fork may hold the script open for writing (ETXTBSY).
func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	p := filepath.Join(t.TempDir(), "tool")
	if err := os.WriteFile(p, []byte("#!/bin/sh\n"+body), 0755); err != nil { // #nosec G306
		t.Fatal(err)
	}
	return p
}

func TestRcloneMover(t *testing.T) {
	script := writeScript(t, `printf '%s|%s\n' "$RCLONE_CONFIG_PASS" "$*" > args
`)
	dir := t.TempDir()

	m := RcloneMover{Program: script, Email: "backup@example.com", Password: "pass"}
	out := m.Move(context.Background(), dir, "foo_1.0.0.zip", "gdrive:/mods/foo")
	if !out.OK() {
		t.Fatal(out.Err)
	}
	if len(out.Output) != 0 {
		t.Errorf("output = %q", out.Output)
	}

	got := strings.TrimSpace(readTestFile(t, filepath.Join(dir, "args")))
	want := "pass|--drive-impersonate backup@example.com --retries 3 --retries-sleep 3s move ./foo_1.0.0.zip gdrive:/mods/foo"
	if got != want {
		t.Errorf("invocation = %q, want %q", got, want)
	}
}

func TestRunToolFailure(t *testing.T) {
	script := writeScript(t, `echo "partial"
echo "quota exceeded" >&2
exit 3
`)
	m := RcloneMover{Program: script}
	out := m.Move(context.Background(), t.TempDir(), "f", "remote:/x")
	if out.OK() {
		t.Fatal("failing program reported success")
	}
	if string(out.Output) != "partial\n" {
		t.Errorf("output = %q", out.Output)
	}
	if !strings.Contains(out.Err.Error(), "quota exceeded") {
		t.Errorf("error = %v", out.Err)
	}
}

func TestExecVerifier(t *testing.T) {
	script := writeScript(t, `printf '%s\n' "$*"
`)
	out := ExecVerifier{Program: script}.Verify(context.Background(), t.TempDir(), "foo_1.0.0.sha1")
	if !out.OK() {
		t.Fatal(out.Err)
	}
	if got := string(out.Output); got != "-c -- ./foo_1.0.0.sha1\n" {
		t.Errorf("arguments = %q", got)
	}
}

func TestExecDownloader(t *testing.T) {
	script := writeScript(t, `printf '%s\n' "$*"
`)
	out := ExecDownloader{Program: script}.Download(context.Background(), "https://example.com/x?token=t", "/tmp/x.zip")
	if !out.OK() {
		t.Fatal(out.Err)
	}
	if got := string(out.Output); got != "-fLs -o /tmp/x.zip -- https://example.com/x?token=t\n" {
		t.Errorf("arguments = %q", got)
	}
}
