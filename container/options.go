// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package container

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/bureau-foundation/layerrun/lib/subvol"
)

// DefaultPath is PATH for the user command unless Setenv overrides it.
const DefaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// DefaultCommand runs when the caller supplies no command.
var DefaultCommand = []string{"/bin/bash", "--login"}

// User is the account the user command runs as inside the container.
type User struct {
	Name  string
	UID   int
	GID   int
	Home  string
	Shell string
}

// Nobody is the default user: it gives a mostly read-only view of the
// image.
func Nobody() User {
	return User{Name: "nobody", UID: 65534, GID: 65534, Home: "/nonexistent", Shell: "/usr/sbin/nologin"}
}

// Root is uid 0.
func Root() User {
	return User{Name: "root", UID: 0, GID: 0, Home: "/root", Shell: "/bin/bash"}
}

// LookupUser resolves name against the host's /etc/passwd. "nobody"
// always resolves, falling back to [Nobody] when the host lacks it.
func LookupUser(name string) (User, error) {
	return LookupUserIn("/etc/passwd", name)
}

// LookupUserIn resolves name against a passwd(5) file, such as the one
// inside an image.
func LookupUserIn(passwdPath, name string) (User, error) {
	user, err := scanPasswd(passwdPath, name)
	if err == nil {
		return user, nil
	}
	switch name {
	case "nobody":
		return Nobody(), nil
	case "root":
		return Root(), nil
	}
	return User{}, err
}

func scanPasswd(path, name string) (User, error) {
	file, err := os.Open(path)
	if err != nil {
		return User{}, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), ":")
		if len(fields) != 7 || fields[0] != name {
			continue
		}
		uid, err := strconv.Atoi(fields[2])
		if err != nil {
			return User{}, fmt.Errorf("%s: bad uid for %s: %w", path, name, err)
		}
		gid, err := strconv.Atoi(fields[3])
		if err != nil {
			return User{}, fmt.Errorf("%s: bad gid for %s: %w", path, name, err)
		}
		return User{Name: name, UID: uid, GID: gid, Home: fields[5], Shell: fields[6]}, nil
	}
	if err := scanner.Err(); err != nil {
		return User{}, err
	}
	return User{}, fmt.Errorf("user %q not found in %s", name, path)
}

// BindMount maps a host path to a path in the container.
type BindMount struct {
	Source string
	Dest   string
}

// DebugOptions are for a human at the keyboard. Production callers
// leave them at their defaults.
type DebugOptions struct {
	// Verbose unsilences systemd-nspawn. Incompatible with Quiet.
	Verbose bool

	// SharedNetwork omits --private-network.
	SharedNetwork bool

	// Register registers the container with systemd-machined. Needs a
	// working host systemd, so it is only allowed with Boot.
	Register bool

	// SnapshotInto makes the snapshot persistent at this new path.
	SnapshotInto string
}

// Options configure one container run. Options is a value: plugins
// derive variants with Clone and the With* helpers, never by mutating
// shared slices.
type Options struct {
	// Command is the argv run inside the container.
	Command []string

	// Layer is the image to run.
	Layer subvol.Volume

	// Boot runs systemd as PID 1 and enters it to run Command.
	Boot bool

	// BootAwaitDbus delays Command until systemd's bus socket exists.
	BootAwaitDbus bool

	// User runs Command. Boot mode honors it as well.
	User User

	// Chdir is the absolute working directory for Command.
	Chdir string

	BindMountsRO []BindMount
	BindMountsRW []BindMount

	// Setenv are K=V assignments for Command. They override the
	// built-in HOME, LOGNAME, PATH, USER and TERM.
	Setenv []string

	// ForwardFiles appear in Command at descriptors 3, 4, ... in order.
	// The caller keeps ownership.
	ForwardFiles []*os.File

	Hostname string

	// Snapshot runs in a snapshot of Layer instead of Layer itself.
	Snapshot bool

	// BindRepoRO mounts the source repository read-only at its host
	// path. Layers whose artifacts require the repo get it regardless.
	BindRepoRO bool

	// BindArtifactsDirRW mounts the repo's artifacts dir read-write.
	BindArtifactsDirRW bool

	// LogsTmpfs mounts a user-writable tmpfs on /logs.
	LogsTmpfs bool

	AllowMknod  bool
	CapNetAdmin bool

	// ForwardTLSEnv passes THRIFT_TLS_* from the caller's environment.
	ForwardTLSEnv bool

	// NotABuildStep marks the container as interactive or test use.
	NotABuildStep bool

	// Quiet passes --quiet to systemd-nspawn.
	Quiet bool

	Debug DebugOptions
}

// DefaultOptions returns the production defaults: snapshot on, quiet,
// private network, running as nobody.
func DefaultOptions() Options {
	return Options{
		Command:  append([]string(nil), DefaultCommand...),
		User:     Nobody(),
		Snapshot: true,
		Quiet:    true,
	}
}

// Clone returns a copy of o that shares no slices with it. The
// forwarded files themselves are shared.
func (o Options) Clone() Options {
	clone := o
	clone.Command = append([]string(nil), o.Command...)
	clone.BindMountsRO = append([]BindMount(nil), o.BindMountsRO...)
	clone.BindMountsRW = append([]BindMount(nil), o.BindMountsRW...)
	clone.Setenv = append([]string(nil), o.Setenv...)
	clone.ForwardFiles = append([]*os.File(nil), o.ForwardFiles...)
	return clone
}

// WithCommand returns a copy of o running command.
func (o Options) WithCommand(command ...string) Options {
	clone := o.Clone()
	clone.Command = append([]string(nil), command...)
	return clone
}

// WithBindsRO returns a copy of o with extra read-only binds appended.
func (o Options) WithBindsRO(binds ...BindMount) Options {
	clone := o.Clone()
	clone.BindMountsRO = append(clone.BindMountsRO, binds...)
	return clone
}

// WithSetenv returns a copy of o with extra K=V assignments appended.
func (o Options) WithSetenv(assignments ...string) Options {
	clone := o.Clone()
	clone.Setenv = append(clone.Setenv, assignments...)
	return clone
}

// WithForwardFiles returns a copy of o forwarding files after the
// existing ones. The first new file lands at 3+len(o.ForwardFiles).
func (o Options) WithForwardFiles(files ...*os.File) Options {
	clone := o.Clone()
	clone.ForwardFiles = append(clone.ForwardFiles, files...)
	return clone
}

// Getenv returns the last Setenv value for key.
func (o Options) Getenv(key string) (string, bool) {
	for i := len(o.Setenv) - 1; i >= 0; i-- {
		name, value, ok := strings.Cut(o.Setenv[i], "=")
		if ok && name == key {
			return value, true
		}
	}
	return "", false
}

// Validate checks option invariants. The error is a *ConfigurationError.
func (o Options) Validate() error {
	switch {
	case len(o.Command) == 0:
		return configErrorf("Command", "must not be empty")
	case o.Layer == nil:
		return configErrorf("Layer", "is required")
	case o.Debug.SnapshotInto != "" && !o.Snapshot:
		return configErrorf("Debug.SnapshotInto", "requires Snapshot")
	case o.Quiet && o.Debug.Verbose:
		return configErrorf("Quiet", "cannot be combined with Debug.Verbose")
	case o.Chdir != "" && !strings.HasPrefix(o.Chdir, "/"):
		return configErrorf("Chdir", "must be an absolute path, got %q", o.Chdir)
	case o.Debug.Register && !o.Boot:
		return configErrorf("Debug.Register", "requires Boot")
	case o.BootAwaitDbus && !o.Boot:
		return configErrorf("BootAwaitDbus", "requires Boot")
	}
	for _, assignment := range o.Setenv {
		if name, _, ok := strings.Cut(assignment, "="); !ok || name == "" {
			return configErrorf("Setenv", "%q is not a K=V assignment", assignment)
		}
	}
	for _, file := range o.ForwardFiles {
		if file == nil {
			return configErrorf("ForwardFiles", "contains a nil file")
		}
	}
	return nil
}
