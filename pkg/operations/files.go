package operations

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"

	"github.com/alessio/shellescape"

	"github.com/openfroyo/swirl/pkg/engine"
	"github.com/openfroyo/swirl/pkg/facts"
)

// Ownership holds the mode and owner arguments shared by file operations.
type Ownership struct {
	User  string `mapstructure:"user"`
	Group string `mapstructure:"group"`
	Mode  string `mapstructure:"mode" validate:"omitempty,numeric,max=4"`
}

// mode returns the wanted mode in the same decimal-digit form FileInfo
// uses, e.g. "0644" -> 644, or -1 when unset.
func (o Ownership) mode() int {
	if o.Mode == "" {
		return -1
	}
	m, err := strconv.Atoi(o.Mode)
	if err != nil {
		return -1
	}
	return m
}

// converge emits chmod/chown for what differs from info, which may be nil
// for a path that is about to be created. It updates info in place.
func (o Ownership) converge(p string, info *facts.FileInfo, recursive bool) []engine.Command {
	var cmds []engine.Command
	flag := ""
	if recursive {
		flag = "-R "
	}
	q := shellescape.Quote(p)

	if m := o.mode(); m >= 0 && (info == nil || info.Mode != m) {
		cmds = append(cmds, engine.Shell("chmod %s%s %s", flag, o.Mode, q))
		if info != nil {
			info.Mode = m
		}
	}

	userDiffers := o.User != "" && (info == nil || info.User != o.User)
	groupDiffers := o.Group != "" && (info == nil || info.Group != o.Group)
	switch {
	case userDiffers && o.Group != "":
		cmds = append(cmds, engine.Shell("chown %s%s:%s %s", flag, o.User, o.Group, q))
	case userDiffers:
		cmds = append(cmds, engine.Shell("chown %s%s %s", flag, o.User, q))
	case groupDiffers:
		cmds = append(cmds, engine.Shell("chgrp %s%s %s", flag, o.Group, q))
	}
	if info != nil {
		if o.User != "" {
			info.User = o.User
		}
		if o.Group != "" {
			info.Group = o.Group
		}
	}

	return cmds
}

type fileArgs struct {
	Path            string `mapstructure:"path" validate:"required"`
	Present         *bool  `mapstructure:"present"`
	Touch           bool   `mapstructure:"touch"`
	CreateRemoteDir bool   `mapstructure:"create_remote_dir"`
	Ownership       `mapstructure:",squash"`
}

func (a fileArgs) present() bool {
	return a.Present == nil || *a.Present
}

func pathFact(args engine.Args) facts.Args {
	return facts.Args{"path": args["path"]}
}

// File ensures a file exists (or not) with the given mode and owner.
//
// Args: path, present (default true), user, group, mode, touch,
// create_remote_dir.
var File = &engine.Operation{
	Name: "files.file",
	Func: func(c *engine.OpContext, args engine.Args) ([]engine.Command, error) {
		var a fileArgs
		if err := decode(args, &a); err != nil {
			return nil, err
		}

		fa := facts.Args{"path": a.Path}
		info, err := engine.FactOf(c, facts.File, fa)
		if err != nil {
			return nil, err
		}

		q := shellescape.Quote(a.Path)

		if !a.present() {
			if info == nil {
				return nil, nil
			}
			if !info.IsFile() && info.Type != facts.FileTypeLink {
				return nil, fmt.Errorf("%s exists and is not a file", a.Path)
			}
			c.StoreFact(facts.File, fa, (*facts.FileInfo)(nil))
			return []engine.Command{engine.Shell("rm -f %s", q)}, nil
		}

		if info == nil {
			var cmds []engine.Command
			if a.CreateRemoteDir {
				cmds = append(cmds, engine.Shell("mkdir -p %s", shellescape.Quote(path.Dir(a.Path))))
			}
			cmds = append(cmds, engine.Shell("touch %s", q))
			cmds = append(cmds, a.converge(a.Path, nil, false)...)

			created := &facts.FileInfo{Type: facts.FileTypeFile, Mode: a.mode(), User: a.User, Group: a.Group}
			c.StoreFact(facts.File, fa, created)
			return cmds, nil
		}

		if !info.IsFile() {
			return nil, fmt.Errorf("%s exists and is not a file", a.Path)
		}

		var cmds []engine.Command
		if a.Touch {
			cmds = append(cmds, engine.Shell("touch %s", q))
		}
		updated := *info
		cmds = append(cmds, a.converge(a.Path, &updated, false)...)
		if len(cmds) > 0 {
			c.StoreFact(facts.File, fa, &updated)
		}
		return cmds, nil
	},
	PipelineFacts: func(args engine.Args) []facts.Request {
		return []facts.Request{{Fact: facts.File, Args: pathFact(args)}}
	},
}

type directoryArgs struct {
	Path      string `mapstructure:"path" validate:"required"`
	Present   *bool  `mapstructure:"present"`
	Recursive bool   `mapstructure:"recursive"`
	Ownership `mapstructure:",squash"`
}

// Directory ensures a directory exists (or not) with the given mode and
// owner. Recursive applies the mode and owner to the whole tree.
//
// Args: path, present (default true), user, group, mode, recursive.
var Directory = &engine.Operation{
	Name: "files.directory",
	Func: func(c *engine.OpContext, args engine.Args) ([]engine.Command, error) {
		var a directoryArgs
		if err := decode(args, &a); err != nil {
			return nil, err
		}

		fa := facts.Args{"path": a.Path}
		info, err := engine.FactOf(c, facts.Directory, fa)
		if err != nil {
			return nil, err
		}

		q := shellescape.Quote(a.Path)

		if a.Present != nil && !*a.Present {
			if info == nil {
				return nil, nil
			}
			if !info.IsDirectory() {
				return nil, fmt.Errorf("%s exists and is not a directory", a.Path)
			}
			c.StoreFact(facts.Directory, fa, (*facts.FileInfo)(nil))
			return []engine.Command{engine.Shell("rm -rf %s", q)}, nil
		}

		if info == nil {
			cmds := []engine.Command{engine.Shell("mkdir -p %s", q)}
			cmds = append(cmds, a.converge(a.Path, nil, a.Recursive)...)
			c.StoreFact(facts.Directory, fa, &facts.FileInfo{
				Type:  facts.FileTypeDirectory,
				Mode:  a.mode(),
				User:  a.User,
				Group: a.Group,
			})
			return cmds, nil
		}

		if !info.IsDirectory() {
			return nil, fmt.Errorf("%s exists and is not a directory", a.Path)
		}

		updated := *info
		cmds := a.converge(a.Path, &updated, a.Recursive)
		if len(cmds) > 0 {
			c.StoreFact(facts.Directory, fa, &updated)
		}
		return cmds, nil
	},
	PipelineFacts: func(args engine.Args) []facts.Request {
		return []facts.Request{{Fact: facts.Directory, Args: pathFact(args)}}
	},
}

type putArgs struct {
	Src             string `mapstructure:"src" validate:"required"`
	Dest            string `mapstructure:"dest" validate:"required"`
	CreateRemoteDir bool   `mapstructure:"create_remote_dir"`
	Force           bool   `mapstructure:"force"`
	Ownership       `mapstructure:",squash"`
}

// Put uploads a local file when the remote copy is missing or its sha1
// differs, then applies mode and owner.
//
// Args: src, dest, user, group, mode, create_remote_dir, force.
var Put = &engine.Operation{
	Name: "files.put",
	Func: func(c *engine.OpContext, args engine.Args) ([]engine.Command, error) {
		var a putArgs
		if err := decode(args, &a); err != nil {
			return nil, err
		}

		localSum, err := sha1File(a.Src)
		if err != nil {
			return nil, fmt.Errorf("no such local file %s: %w", a.Src, err)
		}

		fa := facts.Args{"path": a.Dest}
		info, err := engine.FactOf(c, facts.File, fa)
		if err != nil {
			return nil, err
		}
		if info != nil && !info.IsFile() {
			return nil, fmt.Errorf("%s exists and is not a file", a.Dest)
		}

		remoteSum := ""
		if info != nil {
			if remoteSum, err = engine.FactOf(c, facts.Sha1File, fa); err != nil {
				return nil, err
			}
		}

		if info == nil || a.Force || remoteSum != localSum {
			var cmds []engine.Command
			if a.CreateRemoteDir {
				cmds = append(cmds, engine.Shell("mkdir -p %s", shellescape.Quote(path.Dir(a.Dest))))
			}
			cmds = append(cmds, engine.UploadCommand{Src: a.Src, Dest: a.Dest})
			// uploads keep the remote umask and owner, so converge from scratch
			cmds = append(cmds, a.converge(a.Dest, nil, false)...)

			c.StoreFact(facts.Sha1File, fa, localSum)
			c.StoreFact(facts.File, fa, &facts.FileInfo{Type: facts.FileTypeFile, Mode: a.mode(), User: a.User, Group: a.Group})
			return cmds, nil
		}

		updated := *info
		cmds := a.converge(a.Dest, &updated, false)
		if len(cmds) > 0 {
			c.StoreFact(facts.File, fa, &updated)
		}
		return cmds, nil
	},
	PipelineFacts: func(args engine.Args) []facts.Request {
		fa := facts.Args{"path": args["dest"]}
		return []facts.Request{
			{Fact: facts.File, Args: fa},
			{Fact: facts.Sha1File, Args: fa},
		}
	},
}

type getArgs struct {
	Src  string `mapstructure:"src" validate:"required"`
	Dest string `mapstructure:"dest" validate:"required"`
}

// Get downloads a remote file unless the local copy already matches.
//
// Args: src, dest.
var Get = &engine.Operation{
	Name: "files.get",
	Func: func(c *engine.OpContext, args engine.Args) ([]engine.Command, error) {
		var a getArgs
		if err := decode(args, &a); err != nil {
			return nil, err
		}

		remoteSum, err := engine.FactOf(c, facts.Sha1File, facts.Args{"path": a.Src})
		if err != nil {
			return nil, err
		}
		if remoteSum == "" {
			return nil, fmt.Errorf("remote file %s does not exist", a.Src)
		}

		if localSum, err := sha1File(a.Dest); err == nil && localSum == remoteSum {
			return nil, nil
		}
		return []engine.Command{engine.DownloadCommand{Src: a.Src, Dest: a.Dest}}, nil
	},
	PipelineFacts: func(args engine.Args) []facts.Request {
		return []facts.Request{{Fact: facts.Sha1File, Args: facts.Args{"path": args["src"]}}}
	},
}

func sha1File(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
