package ssh

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/alessio/shellescape"
	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/swirl/pkg/transports"
)

// PutFile uploads localPath over SFTP. With privilege escalation the file is
// staged in the temp dir as the login user and moved into place as the
// escalated user.
func (t *Transport) PutFile(ctx context.Context, localPath, remotePath string, opts transports.CommandOptions) error {
	if !escalates(opts) {
		return t.upload(ctx, localPath, remotePath)
	}

	staged := t.stagingPath()
	if err := t.upload(ctx, localPath, staged); err != nil {
		return err
	}
	return t.runStep(ctx, "upload", fmt.Sprintf("mv %s %s", shellescape.Quote(staged), shellescape.Quote(remotePath)), opts)
}

// GetFile downloads remotePath over SFTP. With privilege escalation the file
// is first copied to a readable staging path by the escalated user.
func (t *Transport) GetFile(ctx context.Context, remotePath, localPath string, opts transports.CommandOptions) error {
	if !escalates(opts) {
		return t.download(ctx, remotePath, localPath)
	}

	staged := t.stagingPath()
	quoted := shellescape.Quote(staged)
	copyCmd := fmt.Sprintf("cp %s %s && chmod +r %s", shellescape.Quote(remotePath), quoted, quoted)
	if err := t.runStep(ctx, "download", copyCmd, opts); err != nil {
		return err
	}
	defer func() {
		if err := t.runStep(context.WithoutCancel(ctx), "download", "rm -f "+quoted, opts); err != nil {
			log.Warn().Err(err).Str("host", t.cfg.Hostname).Msg("failed to remove staged download")
		}
	}()

	return t.download(ctx, staged, localPath)
}

func escalates(opts transports.CommandOptions) bool {
	return opts.Sudo || opts.Doas || opts.SuUser != ""
}

func (t *Transport) stagingPath() string {
	return path.Join(t.cfg.TempDir, "swirl-"+uuid.NewString())
}

// runStep runs a helper command of a transfer and fails on a non-zero exit.
func (t *Transport) runStep(ctx context.Context, op, command string, opts transports.CommandOptions) error {
	out, err := t.RunShellCommand(ctx, command, opts)
	if err != nil {
		return err
	}
	if !out.Success(nil) {
		return &transports.TransportError{Op: op, Err: fmt.Errorf("%q exited %d: %v", command, out.ExitCode, out.Stderr)}
	}
	return nil
}

// withSFTP opens an SFTP session for the duration of fn.
func (t *Transport) withSFTP(op string, fn func(*sftp.Client) error) error {
	client, err := t.sshClient()
	if err != nil {
		return err
	}

	sc, err := sftp.NewClient(client)
	if err != nil {
		return &transports.TransportError{Op: op, Err: fmt.Errorf("failed to start sftp: %w", err), IsTemporary: true}
	}
	defer sc.Close()

	if err := fn(sc); err != nil {
		return &transports.TransportError{Op: op, Err: err}
	}
	return nil
}

func (t *Transport) upload(ctx context.Context, localPath, remotePath string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return &transports.TransportError{Op: "upload", Err: err}
	}
	defer src.Close()

	return t.withSFTP("upload", func(sc *sftp.Client) error {
		if err := sc.MkdirAll(path.Dir(remotePath)); err != nil {
			return fmt.Errorf("failed to create %s: %w", path.Dir(remotePath), err)
		}
		dst, err := sc.Create(remotePath)
		if err != nil {
			return err
		}
		defer dst.Close()

		n, err := io.Copy(dst, ctxReader{ctx: ctx, r: src})
		log.Debug().Str("host", t.cfg.Hostname).Str("remote", remotePath).Int64("bytes", n).Msg("uploaded file")
		return err
	})
}

func (t *Transport) download(ctx context.Context, remotePath, localPath string) error {
	return t.withSFTP("download", func(sc *sftp.Client) error {
		src, err := sc.Open(remotePath)
		if err != nil {
			return err
		}
		defer src.Close()

		if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
			return err
		}
		dst, err := os.Create(localPath)
		if err != nil {
			return err
		}
		defer dst.Close()

		n, err := io.Copy(dst, ctxReader{ctx: ctx, r: src})
		log.Debug().Str("host", t.cfg.Hostname).Str("remote", remotePath).Int64("bytes", n).Msg("downloaded file")
		return err
	})
}

// ctxReader stops a copy at the next read once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
