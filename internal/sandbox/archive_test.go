package sandbox

import (
	"archive/tar"
	"bytes"
	"errors"
	"testing"
)

func TestSingleFileTar(t *testing.T) {
	data, err := singleFileTar("script.py", []byte("print('hi')"))
	if err != nil {
		t.Fatalf("singleFileTar: %v", err)
	}

	tr := tar.NewReader(bytes.NewReader(data))
	hdr, err := tr.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if hdr.Name != "script.py" {
		t.Errorf("name = %q, want script.py", hdr.Name)
	}
	if hdr.Size != int64(len("print('hi')")) {
		t.Errorf("size = %d", hdr.Size)
	}
	if _, err := tr.Next(); err == nil {
		t.Error("expected exactly one entry")
	}
}

func TestFirstRegularFile(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	_ = tw.WriteHeader(&tar.Header{Name: "dir/", Typeflag: tar.TypeDir, Mode: 0755})
	_ = tw.WriteHeader(&tar.Header{Name: "dir/a.txt", Typeflag: tar.TypeReg, Mode: 0644, Size: 3})
	_, _ = tw.Write([]byte("abc"))
	_ = tw.Close()

	got, err := firstRegularFile(&buf)
	if err != nil {
		t.Fatalf("firstRegularFile: %v", err)
	}
	if string(got) != "abc" {
		t.Errorf("content = %q, want abc", got)
	}
}

func TestFirstRegularFile_Empty(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	_ = tw.Close()

	if _, err := firstRegularFile(&buf); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestClassifyDockerError(t *testing.T) {
	base := errors.New("exit status 1")
	tests := []struct {
		stderr string
		want   error
	}{
		{"Cannot connect to the Docker daemon at unix:///var/run/docker.sock. Is the docker daemon running?", ErrUnavailable},
		{"Error response from daemon: No such container: abc", ErrNotFound},
		{"Error: Could not find the file /app/user_files/x in container abc", ErrNotFound},
		{"Error response from daemon: something else", nil},
	}
	for _, tt := range tests {
		err := classifyDockerError("op", base, tt.stderr)
		if tt.want == nil {
			if errors.Is(err, ErrUnavailable) || errors.Is(err, ErrNotFound) {
				t.Errorf("stderr %q: unexpected sentinel in %v", tt.stderr, err)
			}
			continue
		}
		if !errors.Is(err, tt.want) {
			t.Errorf("stderr %q: err = %v, want %v", tt.stderr, err, tt.want)
		}
	}
}
