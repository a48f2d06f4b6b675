package operations

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/swirl/pkg/engine"
	"github.com/openfroyo/swirl/pkg/inventory"
	"github.com/openfroyo/swirl/pkg/transports"
	"github.com/openfroyo/swirl/pkg/transports/transporttest"
)

const (
	confStat = "user=root group=root mode=-rw-r--r-- atime=0 mtime=0 ctime=0 size=3 '/etc/app.conf'"
	dirStat  = "user=www group=www mode=drwxr-xr-x atime=0 mtime=0 ctime=0 size=4096 '/srv/www'"
)

// setup connects a single host "web" backed by the returned fake.
func setup(t *testing.T) (*engine.State, *inventory.Host, *transporttest.Transport) {
	t.Helper()

	inv, err := inventory.New([]inventory.HostSpec{{Name: "web"}}, nil)
	require.NoError(t, err)

	fake := transporttest.New()
	reg := transports.NewRegistry()
	reg.Register(transports.DefaultConnector, transporttest.Factory(map[string]*transporttest.Transport{"web": fake}))

	state := engine.NewState(inv, engine.WithTransports(reg))
	require.NoError(t, state.Connect(context.Background()))
	t.Cleanup(state.Disconnect)

	host, ok := inv.Get("web")
	require.True(t, ok)
	return state, host, fake
}

// compile adds op and returns the commands it compiled to on host.
func compile(t *testing.T, state *engine.State, host *inventory.Host, op *engine.Operation, args engine.Args) []string {
	t.Helper()
	data := compileData(t, state, host, op, args)
	require.NoError(t, data.PlanErr)
	return engine.CommandStrings(data.Commands)
}

func compileData(t *testing.T, state *engine.State, host *inventory.Host, op *engine.Operation, args engine.Args) *engine.OpData {
	t.Helper()
	hash, err := state.AddOperation(context.Background(), op, args, nil)
	require.NoError(t, err)
	data, ok := state.OpData(host, hash)
	require.True(t, ok)
	return data
}

func TestRegistry(t *testing.T) {
	reg := Builtins()

	assert.Equal(t, []string{
		"files.directory",
		"files.file",
		"files.get",
		"files.put",
		"server.packages",
		"server.shell",
		"server.wait",
	}, reg.Names())

	op, err := reg.Lookup("files.file")
	require.NoError(t, err)
	assert.Same(t, File, op)

	_, err = reg.Lookup("files.nope")
	assert.ErrorContains(t, err, "unknown operation: files.nope")
}

func TestFile(t *testing.T) {
	t.Run("creates a missing file", func(t *testing.T) {
		state, host, _ := setup(t)

		cmds := compile(t, state, host, File, engine.Args{
			"path":  "/etc/app.conf",
			"mode":  "644",
			"user":  "root",
			"group": "root",
		})
		assert.Equal(t, []string{
			"touch /etc/app.conf",
			"chmod 644 /etc/app.conf",
			"chown root:root /etc/app.conf",
		}, cmds)

		// the stored fact makes a repeat a no-op without another stat
		cmds = compile(t, state, host, File, engine.Args{"path": "/etc/app.conf", "mode": "644", "user": "root"})
		assert.Empty(t, cmds)
	})

	t.Run("matching file is a no-op", func(t *testing.T) {
		state, host, fake := setup(t)
		fake.On("stat -c", transporttest.Response{Stdout: []string{confStat}})

		cmds := compile(t, state, host, File, engine.Args{
			"path":  "/etc/app.conf",
			"mode":  "0644",
			"user":  "root",
			"group": "root",
		})
		assert.Empty(t, cmds)
	})

	t.Run("converges only what differs", func(t *testing.T) {
		state, host, fake := setup(t)
		fake.On("stat -c", transporttest.Response{Stdout: []string{confStat}})

		cmds := compile(t, state, host, File, engine.Args{
			"path":  "/etc/app.conf",
			"mode":  "600",
			"group": "app",
			"touch": true,
		})
		assert.Equal(t, []string{
			"touch /etc/app.conf",
			"chmod 600 /etc/app.conf",
			"chgrp app /etc/app.conf",
		}, cmds)
	})

	t.Run("create_remote_dir", func(t *testing.T) {
		state, host, _ := setup(t)

		cmds := compile(t, state, host, File, engine.Args{"path": "/opt/app/run.pid", "create_remote_dir": true})
		assert.Equal(t, []string{"mkdir -p /opt/app", "touch /opt/app/run.pid"}, cmds)
	})

	t.Run("removes a file", func(t *testing.T) {
		state, host, fake := setup(t)
		fake.On("stat -c", transporttest.Response{Stdout: []string{confStat}})

		cmds := compile(t, state, host, File, engine.Args{"path": "/etc/app.conf", "present": false})
		assert.Equal(t, []string{"rm -f /etc/app.conf"}, cmds)

		cmds = compile(t, state, host, File, engine.Args{"path": "/etc/app.conf", "present": false})
		assert.Empty(t, cmds)
	})

	t.Run("directory in the way", func(t *testing.T) {
		state, host, fake := setup(t)
		fake.On("stat -c", transporttest.Response{Stdout: []string{dirStat}})

		data := compileData(t, state, host, File, engine.Args{"path": "/srv/www"})
		assert.ErrorContains(t, data.PlanErr, "/srv/www exists and is not a file")
	})

	t.Run("invalid arguments", func(t *testing.T) {
		state, host, _ := setup(t)

		data := compileData(t, state, host, File, engine.Args{"path": "/x", "mode": "rw"})
		assert.ErrorContains(t, data.PlanErr, "invalid arguments")

		data = compileData(t, state, host, File, engine.Args{"path": "/x", "colour": "red"})
		assert.ErrorContains(t, data.PlanErr, "invalid arguments")
	})
}

func TestDirectory(t *testing.T) {
	t.Run("creates recursively owned tree", func(t *testing.T) {
		state, host, _ := setup(t)

		cmds := compile(t, state, host, Directory, engine.Args{
			"path":      "/srv/app",
			"user":      "app",
			"recursive": true,
		})
		assert.Equal(t, []string{"mkdir -p /srv/app", "chown -R app /srv/app"}, cmds)
	})

	t.Run("existing directory", func(t *testing.T) {
		state, host, fake := setup(t)
		fake.On("stat -c", transporttest.Response{Stdout: []string{dirStat}})

		cmds := compile(t, state, host, Directory, engine.Args{"path": "/srv/www", "mode": "755", "user": "www"})
		assert.Empty(t, cmds)

		cmds = compile(t, state, host, Directory, engine.Args{"path": "/srv/www", "present": false})
		assert.Equal(t, []string{"rm -rf /srv/www"}, cmds)
	})

	t.Run("file in the way", func(t *testing.T) {
		state, host, fake := setup(t)
		fake.On("stat -c", transporttest.Response{Stdout: []string{confStat}})

		data := compileData(t, state, host, Directory, engine.Args{"path": "/etc/app.conf"})
		assert.ErrorContains(t, data.PlanErr, "is not a directory")
	})
}

func writeLocal(t *testing.T, content string) (string, string) {
	t.Helper()
	p := filepath.Join(t.TempDir(), "app.conf")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	sum, err := sha1File(p)
	require.NoError(t, err)
	return p, sum
}

func TestPut(t *testing.T) {
	t.Run("uploads a missing file", func(t *testing.T) {
		state, host, _ := setup(t)
		src, _ := writeLocal(t, "a=1\n")

		cmds := compile(t, state, host, Put, engine.Args{"src": src, "dest": "/etc/app.conf", "mode": "640"})
		assert.Equal(t, []string{
			"upload " + src + " -> /etc/app.conf",
			"chmod 640 /etc/app.conf",
		}, cmds)
	})

	t.Run("matching checksum skips the upload", func(t *testing.T) {
		state, host, fake := setup(t)
		src, sum := writeLocal(t, "a=1\n")
		fake.On("sha1sum", transporttest.Response{Stdout: []string{sum + "  /etc/app.conf"}})
		fake.On("stat -c", transporttest.Response{Stdout: []string{confStat}})

		cmds := compile(t, state, host, Put, engine.Args{"src": src, "dest": "/etc/app.conf", "user": "root"})
		assert.Empty(t, cmds)
	})

	t.Run("changed checksum uploads", func(t *testing.T) {
		state, host, fake := setup(t)
		src, _ := writeLocal(t, "a=2\n")
		fake.On("sha1sum", transporttest.Response{Stdout: []string{"0123456789012345678901234567890123456789  /etc/app.conf"}})
		fake.On("stat -c", transporttest.Response{Stdout: []string{confStat}})

		cmds := compile(t, state, host, Put, engine.Args{"src": src, "dest": "/etc/app.conf"})
		assert.Equal(t, []string{"upload " + src + " -> /etc/app.conf"}, cmds)
	})

	t.Run("missing local file", func(t *testing.T) {
		state, host, _ := setup(t)

		data := compileData(t, state, host, Put, engine.Args{"src": "/does/not/exist", "dest": "/etc/app.conf"})
		assert.ErrorContains(t, data.PlanErr, "no such local file")
	})
}

func TestGet(t *testing.T) {
	t.Run("downloads when local differs", func(t *testing.T) {
		state, host, fake := setup(t)
		fake.On("sha1sum", transporttest.Response{Stdout: []string{"0123456789012345678901234567890123456789  /etc/app.conf"}})
		dest := filepath.Join(t.TempDir(), "app.conf")

		cmds := compile(t, state, host, Get, engine.Args{"src": "/etc/app.conf", "dest": dest})
		assert.Equal(t, []string{"download /etc/app.conf -> " + dest}, cmds)
	})

	t.Run("matching local copy", func(t *testing.T) {
		state, host, fake := setup(t)
		dest, sum := writeLocal(t, "a=1\n")
		fake.On("sha1sum", transporttest.Response{Stdout: []string{sum + "  /etc/app.conf"}})

		cmds := compile(t, state, host, Get, engine.Args{"src": "/etc/app.conf", "dest": dest})
		assert.Empty(t, cmds)
	})

	t.Run("missing remote file", func(t *testing.T) {
		state, host, _ := setup(t)

		data := compileData(t, state, host, Get, engine.Args{"src": "/etc/app.conf", "dest": "/tmp/x"})
		assert.ErrorContains(t, data.PlanErr, "remote file /etc/app.conf does not exist")
	})
}

func TestShell(t *testing.T) {
	state, host, _ := setup(t)

	assert.Equal(t, []string{"uptime"}, compile(t, state, host, Shell, engine.Args{"commands": "uptime"}))
	assert.Equal(t, []string{"a", "b"}, compile(t, state, host, Shell, engine.Args{"commands": []string{"a", "b"}}))
	assert.Equal(t, []string{"c", "1"}, compile(t, state, host, Shell, engine.Args{"commands": []any{"c", 1}}))

	data := compileData(t, state, host, Shell, engine.Args{})
	assert.ErrorContains(t, data.PlanErr, "commands is required")
}

func TestWait(t *testing.T) {
	state, host, _ := setup(t)

	data := compileData(t, state, host, Wait, engine.Args{"duration": "10ms"})
	require.NoError(t, data.PlanErr)
	require.Len(t, data.Commands, 1)

	fn, ok := data.Commands[0].(engine.FunctionCommand)
	require.True(t, ok)
	assert.Equal(t, "wait 10ms", fn.Name)

	start := time.Now()
	require.NoError(t, fn.Func(context.Background(), host))
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	long := compileData(t, state, host, Wait, engine.Args{"duration": "1h"})
	assert.ErrorIs(t, long.Commands[0].(engine.FunctionCommand).Func(ctx, host), context.Canceled)

	bad := compileData(t, state, host, Wait, engine.Args{"duration": "0s"})
	assert.ErrorContains(t, bad.PlanErr, "invalid arguments")
}

func TestPackages(t *testing.T) {
	aptHost := func(t *testing.T) (*engine.State, *inventory.Host, *transporttest.Transport) {
		state, host, fake := setup(t)
		fake.On("command -v apt-get ||", transporttest.Response{Stdout: []string{"/usr/bin/apt-get"}})
		fake.On("dpkg-query", transporttest.Response{Stdout: []string{"nginx 1.18.0-6", "curl 7.88.1"}})
		return state, host, fake
	}

	t.Run("installs what is missing", func(t *testing.T) {
		state, host, fake := aptHost(t)

		cmds := compile(t, state, host, Packages, engine.Args{"packages": []string{"nginx", "htop"}, "update": true})
		assert.Equal(t, []string{
			"apt-get update",
			"DEBIAN_FRONTEND=noninteractive apt-get install -y htop",
		}, cmds)

		cmds = compile(t, state, host, Packages, engine.Args{"packages": []string{"htop"}})
		assert.Empty(t, cmds)
		assert.Equal(t, 1, fake.CallCount("dpkg-query"))
	})

	t.Run("removes and upgrades", func(t *testing.T) {
		state, host, _ := aptHost(t)

		cmds := compile(t, state, host, Packages, engine.Args{"packages": "curl,vim", "present": false})
		assert.Equal(t, []string{"DEBIAN_FRONTEND=noninteractive apt-get remove -y curl"}, cmds)

		cmds = compile(t, state, host, Packages, engine.Args{"packages": []string{"nginx"}, "latest": true})
		assert.Equal(t, []string{"DEBIAN_FRONTEND=noninteractive apt-get install -y --only-upgrade nginx"}, cmds)
	})

	t.Run("falls back to rpm managers", func(t *testing.T) {
		state, host, fake := setup(t)
		fake.On("command -v dnf ||", transporttest.Response{Stdout: []string{"/usr/bin/dnf"}})
		fake.On("rpm -qa", transporttest.Response{Stdout: []string{"bash 5.1-6.el9"}})

		cmds := compile(t, state, host, Packages, engine.Args{"packages": []string{"bash", "git"}})
		assert.Equal(t, []string{"dnf install -y git"}, cmds)
	})

	t.Run("explicit manager skips detection", func(t *testing.T) {
		state, host, fake := setup(t)

		cmds := compile(t, state, host, Packages, engine.Args{"packages": []string{"jq"}, "manager": "zypper"})
		assert.Equal(t, []string{"zypper --non-interactive install -y jq"}, cmds)
		assert.Zero(t, fake.CallCount("command -v zypper ||"))
	})

	t.Run("no manager", func(t *testing.T) {
		state, host, _ := setup(t)

		data := compileData(t, state, host, Packages, engine.Args{"packages": []string{"jq"}})
		assert.ErrorContains(t, data.PlanErr, "no supported package manager found on web")
	})

	t.Run("latest with absent", func(t *testing.T) {
		state, host, _ := aptHost(t)

		data := compileData(t, state, host, Packages, engine.Args{"packages": []string{"jq"}, "present": false, "latest": true})
		assert.ErrorContains(t, data.PlanErr, "latest cannot be used with present=false")
	})
}

func TestPipelinedFileOps(t *testing.T) {
	state, host, fake := setup(t)
	fake.On("stat -c", transporttest.Response{Stdout: []string{confStat}})

	hashes, err := state.Pipelined(context.Background(), func() error {
		for _, p := range []string{"/etc/a", "/etc/b"} {
			if _, err := state.AddOperation(context.Background(), File, engine.Args{"path": p}, nil); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	require.Len(t, hashes, 2)

	for _, hash := range hashes {
		data, ok := state.OpData(host, hash)
		require.True(t, ok)
		assert.NoError(t, data.PlanErr)
	}
}
