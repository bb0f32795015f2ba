// Package orchestrator implements the high-level session lifecycle verbs:
// new, fork, recreate, kill, and spawnPane. Each verb composes the host
// executor, multiplexer adapter, and registry, and is atomic from the
// caller's view — any failure partway through rolls back what it created.
// Grounded on the VM agent's worktree handlers (internal/server/worktrees.go),
// generalized from one-git-repo-per-workspace HTTP handlers into
// registry-backed verbs that also own the multiplexer session lifecycle.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/agentwire/portal/internal/apperr"
	"github.com/agentwire/portal/internal/config"
	"github.com/agentwire/portal/internal/hostexec"
	"github.com/agentwire/portal/internal/muxadapter"
	"github.com/agentwire/portal/internal/registry"
)

// NewParams describes a new room request.
type NewParams struct {
	Name   string
	Host   string
	Cwd    string
	Branch string
	Roles  []string
	Mode   registry.PermissionMode
	Voice  string

	// ResumeStatePath, if set, is passed to the agent as an explicit
	// resume-from argument (cfg.AgentResumeFlag <path>) instead of
	// relying on the agent to auto-discover conversation state at its
	// default path. Fork sets this to the copied state file.
	ResumeStatePath string
}

// Orchestrator composes C1+C2+C3 into the lifecycle verbs of C4.
type Orchestrator struct {
	exec *hostexec.Executor
	mux  *muxadapter.Adapter
	reg  *registry.Registry
	cfg  *config.Config

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	lightweightMu    sync.Mutex
	lightweightCount map[string]int // host -> active lightweight panes
}

// New builds an Orchestrator.
func New(exec *hostexec.Executor, mux *muxadapter.Adapter, reg *registry.Registry, cfg *config.Config) *Orchestrator {
	return &Orchestrator{
		exec:             exec,
		mux:              mux,
		reg:              reg,
		cfg:              cfg,
		locks:            make(map[string]*sync.Mutex),
		lightweightCount: make(map[string]int),
	}
}

// withLock serializes all verbs on the same room id; verbs on different
// ids run in parallel.
func (o *Orchestrator) withLock(id string, fn func() error) error {
	o.locksMu.Lock()
	lock, ok := o.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		o.locks[id] = lock
	}
	o.locksMu.Unlock()

	lock.Lock()
	defer lock.Unlock()
	return fn()
}

func (o *Orchestrator) worktreePath(host, cwd, branch string) string {
	project := filepath.Base(cwd)
	root := o.cfg.ProjectsRoot
	if h, ok := o.cfg.Hosts[host]; ok && h.ProjectsDir != "" {
		root = h.ProjectsDir
	}
	return filepath.Join(root, project+"-worktrees", sanitizePathComponent(branch))
}

func sanitizePathComponent(s string) string {
	return strings.NewReplacer("/", "-", "\\", "-", "..", "-").Replace(s)
}

// isGitRepo checks whether cwd is inside a git work tree.
func (o *Orchestrator) isGitRepo(ctx context.Context, host, cwd string) bool {
	result, err := o.exec.Run(ctx, host, []string{"git", "-C", cwd, "rev-parse", "--is-inside-work-tree"}, nil)
	return err == nil && result.ExitCode == 0 && strings.TrimSpace(result.Stdout) == "true"
}

func (o *Orchestrator) currentBranch(ctx context.Context, host, cwd string) (string, error) {
	result, err := o.exec.Run(ctx, host, []string{"git", "-C", cwd, "branch", "--show-current"}, nil)
	if err != nil {
		return "", err
	}
	if result.ExitCode != 0 {
		return "", apperr.New(apperr.Internal, "git branch --show-current failed: "+strings.TrimSpace(result.Stderr))
	}
	return strings.TrimSpace(result.Stdout), nil
}

// CheckPath reports whether cwd is a git work tree on host, and its current
// branch if so. Backs GET /api/check-path.
func (o *Orchestrator) CheckPath(ctx context.Context, host, cwd string) (isGit bool, branch string, err error) {
	if !o.isGitRepo(ctx, host, cwd) {
		return false, "", nil
	}
	branch, err = o.currentBranch(ctx, host, cwd)
	if err != nil {
		return true, "", err
	}
	return true, branch, nil
}

// CheckBranches lists local branches on host under cwd whose name starts
// with prefix. Backs GET /api/check-branches.
func (o *Orchestrator) CheckBranches(ctx context.Context, host, cwd, prefix string) ([]string, error) {
	result, err := o.exec.Run(ctx, host, []string{"git", "-C", cwd, "branch", "--list", "--format=%(refname:short)", prefix + "*"}, nil)
	if err != nil {
		return nil, err
	}
	if result.ExitCode != 0 {
		return nil, apperr.New(apperr.Internal, "git branch --list failed: "+strings.TrimSpace(result.Stderr))
	}
	var branches []string
	for _, line := range strings.Split(strings.TrimRight(result.Stdout, "\n"), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			branches = append(branches, line)
		}
	}
	return branches, nil
}

func (o *Orchestrator) defaultBranch(ctx context.Context, host, cwd string) string {
	result, err := o.exec.Run(ctx, host, []string{"git", "-C", cwd, "symbolic-ref", "--short", "refs/remotes/origin/HEAD"}, nil)
	if err == nil && result.ExitCode == 0 {
		if name := strings.TrimSpace(result.Stdout); name != "" {
			return strings.TrimPrefix(name, "origin/")
		}
	}
	return "HEAD"
}

func (o *Orchestrator) createWorktree(ctx context.Context, host, cwd, branch string) (string, error) {
	path := o.worktreePath(host, cwd, branch)
	base := o.defaultBranch(ctx, host, cwd)
	argv := []string{"git", "-C", cwd, "worktree", "add", "-b", branch, path, base}
	result, err := o.exec.Run(ctx, host, argv, nil)
	if err != nil {
		return "", err
	}
	if result.ExitCode != 0 {
		return "", classifyWorktreeError(branch, result.Stderr)
	}
	return path, nil
}

func (o *Orchestrator) removeWorktree(ctx context.Context, host, cwd, path string) error {
	argv := []string{"git", "-C", cwd, "worktree", "remove", "--force", path}
	result, err := o.exec.Run(ctx, host, argv, nil)
	if err != nil {
		return err
	}
	if result.ExitCode != 0 && !strings.Contains(result.Stderr, "not a working tree") {
		return apperr.New(apperr.Internal, "git worktree remove failed: "+strings.TrimSpace(result.Stderr))
	}
	return nil
}

func classifyWorktreeError(branch, stderr string) error {
	switch {
	case strings.Contains(stderr, "already checked out") || strings.Contains(stderr, "is already checked out"):
		return apperr.New(apperr.Conflict, fmt.Sprintf("branch %q is already checked out in another worktree", branch))
	case strings.Contains(stderr, "already exists"):
		return apperr.New(apperr.AlreadyExists, fmt.Sprintf("branch %q already exists", branch))
	case strings.Contains(stderr, "not a valid branch name") || strings.Contains(stderr, "invalid reference"):
		return apperr.New(apperr.BadName, fmt.Sprintf("%q is not a valid branch name", branch))
	default:
		return apperr.New(apperr.Internal, "git worktree add failed: "+strings.TrimSpace(stderr))
	}
}

// agentArgv composes the agent command line for a permission mode.
func (o *Orchestrator) agentArgv(mode registry.PermissionMode, extra ...string) []string {
	argv := []string{o.cfg.AgentCommand}
	switch mode {
	case registry.ModeBypass:
		argv = append(argv, o.cfg.AgentBypassFlag)
	case registry.ModeRestricted:
		argv = append(argv, o.cfg.AgentRestrictedPolicyFlag)
	case registry.ModePrompted:
		// bare
	}
	return append(argv, extra...)
}

func (o *Orchestrator) roleFilePaths(cwd string, roles []string) []string {
	paths := make([]string, len(roles))
	for i, role := range roles {
		paths[i] = filepath.Join(cwd, o.cfg.RoleFileDir, role+".md")
	}
	return paths
}

func (o *Orchestrator) writeRoleFiles(cwd string, roles []string) ([]string, error) {
	var written []string
	for _, role := range roles {
		path := filepath.Join(cwd, o.cfg.RoleFileDir, role+".md")
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return written, apperr.Wrap(apperr.Internal, "creating role file directory", err)
		}
		content := fmt.Sprintf("# Role: %s\n\nYou are acting in the %q role for this session.\n", role, role)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return written, apperr.Wrap(apperr.Internal, "writing role file", err)
		}
		written = append(written, path)
	}
	return written, nil
}

func removeAll(paths []string) {
	for _, p := range paths {
		_ = os.Remove(p)
	}
}

// New creates a room: optionally a worktree, role files, and a
// multiplexer session, then writes the canonical registry record. On any
// failure it rolls back everything it created so far.
func (o *Orchestrator) New(ctx context.Context, p NewParams) (registry.Room, error) {
	var result registry.Room
	err := o.withLock(p.Name, func() error {
		if _, err := o.reg.Get(p.Name); err == nil {
			return apperr.New(apperr.AlreadyExists, "room already exists: "+p.Name)
		}

		cwd := p.Cwd
		worktreePath := ""
		if p.Branch != "" && o.isGitRepo(ctx, p.Host, cwd) {
			path, err := o.createWorktree(ctx, p.Host, cwd, p.Branch)
			if err != nil {
				return err
			}
			worktreePath = path
			cwd = path
		}

		roleFiles, err := o.writeRoleFiles(cwd, p.Roles)
		if err != nil {
			removeAll(roleFiles)
			if worktreePath != "" {
				_ = o.removeWorktree(ctx, p.Host, p.Cwd, worktreePath)
			}
			return err
		}

		var resumeArgs []string
		if p.ResumeStatePath != "" {
			resumeArgs = []string{o.cfg.AgentResumeFlag, p.ResumeStatePath}
		}
		argv := o.agentArgv(p.Mode, resumeArgs...)
		env := map[string]string{"AGENTWIRE_ROOM": p.Name, "AGENTWIRE_URL": o.cfg.PortalURL}
		if err := o.mux.NewSession(ctx, p.Host, p.Name, cwd, envPrefixedCommand(env, argv)); err != nil {
			removeAll(roleFiles)
			if worktreePath != "" {
				_ = o.removeWorktree(ctx, p.Host, p.Cwd, worktreePath)
			}
			return err
		}

		room := registry.Room{
			ID:             p.Name,
			Host:           p.Host,
			Cwd:            cwd,
			WorktreeBranch: p.Branch,
			Mode:           p.Mode,
			Voice:          p.Voice,
			Roles:          p.Roles,
		}
		o.reg.Put(room)
		result = room
		return nil
	})
	return result, err
}

// envPrefixedCommand renders `KEY=value ... argv...` for the multiplexer's
// initial command, shell-escaping every component.
func envPrefixedCommand(env map[string]string, argv []string) string {
	parts := make([]string, 0, len(env)+len(argv))
	for k, v := range env {
		parts = append(parts, k+"="+hostexec.ShellJoin([]string{v}))
	}
	parts = append(parts, hostexec.ShellJoin(argv))
	return strings.Join(parts, " ")
}

// Fork copies the source room's agent conversation state into a new room
// and resumes from it.
func (o *Orchestrator) Fork(ctx context.Context, sourceID, targetName string) (registry.Room, error) {
	if sourceID == targetName {
		return registry.Room{}, apperr.New(apperr.BadName, "fork target must differ from source")
	}
	source, err := o.reg.Get(sourceID)
	if err != nil {
		return registry.Room{}, err
	}
	if _, err := o.reg.Get(targetName); err == nil {
		return registry.Room{}, apperr.New(apperr.AlreadyExists, "room already exists: "+targetName)
	}

	targetCwd := filepath.Join(filepath.Dir(source.Cwd), filepath.Base(targetName))
	sourceState := filepath.Join(source.Cwd, o.cfg.ConversationStateFile)
	targetState := filepath.Join(targetCwd, o.cfg.ConversationStateFile)

	stateDir := filepath.Dir(targetState)
	_, statErr := os.Stat(stateDir)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return registry.Room{}, apperr.Wrap(apperr.Internal, "creating target project directory", err)
	}
	data, err := os.ReadFile(sourceState)
	if err != nil {
		return registry.Room{}, apperr.Wrap(apperr.Internal, "reading source conversation state", err)
	}
	if err := os.WriteFile(targetState, data, 0o644); err != nil {
		return registry.Room{}, apperr.Wrap(apperr.Internal, "writing target conversation state", err)
	}

	room, err := o.New(ctx, NewParams{
		Name:            targetName,
		Host:            source.Host,
		Cwd:             targetCwd,
		Roles:           source.Roles,
		Mode:            source.Mode,
		Voice:           source.Voice,
		ResumeStatePath: targetState,
	})
	if err != nil {
		_ = os.Remove(targetState)
		if os.IsNotExist(statErr) {
			_ = os.Remove(stateDir)
		}
	}
	return room, err
}

// Recreate kills id, removes any worktree, re-fetches the parent branch,
// and runs New with the same parameters.
func (o *Orchestrator) Recreate(ctx context.Context, id string) (registry.Room, error) {
	room, err := o.reg.Get(id)
	if err != nil {
		return registry.Room{}, err
	}
	if err := o.Kill(ctx, id); err != nil {
		return registry.Room{}, err
	}

	baseCwd := room.Cwd
	if room.WorktreeBranch != "" {
		baseCwd = filepath.Dir(filepath.Dir(room.Cwd))
		_, _ = o.exec.Run(ctx, room.Host, []string{"git", "-C", baseCwd, "fetch", "origin", room.WorktreeBranch}, nil)
	}

	return o.New(ctx, NewParams{
		Name:   id,
		Host:   room.Host,
		Cwd:    baseCwd,
		Branch: room.WorktreeBranch,
		Roles:  room.Roles,
		Mode:   room.Mode,
		Voice:  room.Voice,
	})
}

// Kill sends a graceful exit, removes any worktree, and deletes the
// registry entry.
func (o *Orchestrator) Kill(ctx context.Context, id string) error {
	return o.withLock(id, func() error {
		room, err := o.reg.Get(id)
		if err != nil {
			return err
		}
		if err := o.mux.KillSession(ctx, room.Host, id); err != nil && !apperr.Is(err, apperr.NotFound) {
			return err
		}
		if room.WorktreeBranch != "" {
			// git finds the owning repository from inside the worktree itself.
			if err := o.removeWorktree(ctx, room.Host, room.Cwd, room.Cwd); err != nil {
				return err
			}
		}
		return o.reg.Delete(id)
	})
}

// SpawnPane adds a worker pane to parentID running the lightweight agent
// when kind is "lightweight" and the regular agent command otherwise,
// optionally in its own worktree. A lightweight pane fails with
// ConcurrencyLimit if the per-host lightweight-agent limit is already
// reached.
func (o *Orchestrator) SpawnPane(ctx context.Context, parentID, kind, branch string) (int, error) {
	parent, err := o.reg.Get(parentID)
	if err != nil {
		return 0, err
	}

	if kind == "lightweight" {
		o.lightweightMu.Lock()
		if o.lightweightCount[parent.Host] >= o.cfg.LightweightAgentConcurrency {
			o.lightweightMu.Unlock()
			return 0, apperr.New(apperr.ConcurrencyLimit, "lightweight agent concurrency limit reached")
		}
		o.lightweightCount[parent.Host]++
		o.lightweightMu.Unlock()
	}

	cwd := parent.Cwd
	if branch != "" {
		path, err := o.createWorktree(ctx, parent.Host, parent.Cwd, branch)
		if err != nil {
			if kind == "lightweight" {
				o.lightweightMu.Lock()
				o.lightweightCount[parent.Host]--
				o.lightweightMu.Unlock()
			}
			return 0, err
		}
		cwd = path
	}

	command := o.cfg.AgentCommand
	if kind == "lightweight" {
		command = o.cfg.LightweightAgentCommand
	}
	cmd := fmt.Sprintf("cd %s && %s", hostexec.ShellJoin([]string{cwd}), hostexec.ShellJoin([]string{command}))

	idx, err := o.mux.SpawnPane(ctx, parent.Host, parentID, cmd)
	if err != nil {
		if branch != "" {
			_ = o.removeWorktree(ctx, parent.Host, parent.Cwd, cwd)
		}
		if kind == "lightweight" {
			o.lightweightMu.Lock()
			o.lightweightCount[parent.Host]--
			o.lightweightMu.Unlock()
		}
		return 0, err
	}
	return idx, nil
}

// ReleaseLightweightSlot frees one lightweight concurrency slot on host,
// never going below zero. Nothing in the portal calls it when a spawned
// pane exits, so slots taken by SpawnPane stay taken until it is called.
func (o *Orchestrator) ReleaseLightweightSlot(host string) {
	o.lightweightMu.Lock()
	defer o.lightweightMu.Unlock()
	if o.lightweightCount[host] > 0 {
		o.lightweightCount[host]--
	}
}
