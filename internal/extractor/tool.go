package extractor

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"

	"github.com/apex/log"
)

// IPSWTool shells out to the ipsw binary to symbolicate a kernelcache.
type IPSWTool struct {
	Binary        string
	SignaturesDir string
}

// Symbolicate runs the tool against the firmware artifact and returns its
// JSON output. The caller bounds the run with the context deadline.
func (t *IPSWTool) Symbolicate(ctx context.Context, firmwarePath string) ([]byte, error) {
	args := []string{"kernel", "symbolicate", "--json"}
	if t.SignaturesDir != "" {
		args = append(args, "--signatures", t.SignaturesDir)
	}
	args = append(args, firmwarePath)

	log.WithFields(log.Fields{
		"bin":  t.Binary,
		"file": firmwarePath,
	}).Info("running symbolication tool")

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, t.Binary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("symbolication tool failed: %v: %s", err, stderr.String())
	}
	return stdout.Bytes(), nil
}
