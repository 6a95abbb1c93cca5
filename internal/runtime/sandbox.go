package runtime

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
)

// sandbox is one attempt's scratch directory: a UUID-named directory
// under the runtime's configured base, materializing a shell
// operation's inputs as files and collecting its declared outputs and
// per-command logs (spec.md §4.3, "sandboxed scratch directories").
type sandbox struct {
	dir string
}

func newSandbox(base string) (*sandbox, error) {
	dir := filepath.Join(base, uuid.NewString())
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("runtime: create sandbox %s: %w", dir, err)
	}
	return &sandbox{dir: dir}, nil
}

func (s *sandbox) path(name string) string {
	return filepath.Join(s.dir, name)
}

func (s *sandbox) writeInput(slot string, data []byte) error {
	return s.write(slot, data)
}

func (s *sandbox) write(name string, data []byte) error {
	return os.WriteFile(s.path(name), data, 0o640)
}

// writeCapture records one command's stdout, stderr, and return code
// under the conventional stdout{i}/stderr{i}/returncode{i} names, so a
// funsie that declares one of them as an output slot resolves it
// through the same readOutput path as any file the command wrote
// itself.
func (s *sandbox) writeCapture(index int, stdout, stderr []byte, returncode int) error {
	if err := s.write(fmt.Sprintf("stdout%d", index), stdout); err != nil {
		return err
	}
	if err := s.write(fmt.Sprintf("stderr%d", index), stderr); err != nil {
		return err
	}
	return s.write(fmt.Sprintf("returncode%d", index), []byte(strconv.Itoa(returncode)))
}

func (s *sandbox) readOutput(slot string) ([]byte, bool, error) {
	data, err := os.ReadFile(s.path(slot))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// cleanup removes the sandbox directory. runShell defers it, so it
// runs once the outputs have been read back, before the results are
// committed; GC additionally sweeps any scratch directory left behind by
// a worker that crashed before reaching this point.
func (s *sandbox) cleanup() error {
	return os.RemoveAll(s.dir)
}
