package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Identity is the resolved non-root execution identity the application
// process will run as.
type Identity struct {
	Name              string
	UID               int
	GID               int
	SupplementaryGIDs []int
	HomeDir           string
	Shell             string
}

// UserDB manages the user and group databases of an image filesystem. All
// operations work directly on the passwd/group files so they behave the same
// on minimal images that ship no useradd/addgroup binaries. The database root
// is configurable so tests and `stepdown verify` can operate on any tree.
type UserDB struct {
	etcDir string
}

// NewUserDB returns a UserDB rooted at etcDir (normally /etc).
func NewUserDB(etcDir string) *UserDB {
	return &UserDB{etcDir: etcDir}
}

type passwdEntry struct {
	Name  string
	UID   int
	GID   int
	Gecos string
	Home  string
	Shell string
}

type groupEntry struct {
	Name    string
	GID     int
	Members []string
}

func (db *UserDB) passwdPath() string { return filepath.Join(db.etcDir, "passwd") }
func (db *UserDB) groupPath() string  { return filepath.Join(db.etcDir, "group") }
func (db *UserDB) shadowPath() string { return filepath.Join(db.etcDir, "shadow") }

// loadPasswd parses the passwd database. A missing file yields an empty set,
// matching the state of a freshly assembled scratch filesystem.
func (db *UserDB) loadPasswd() ([]passwdEntry, error) {
	f, err := os.Open(db.passwdPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, WrapSystemError("open", err).WithContext("path", db.passwdPath())
	}
	defer f.Close()

	var entries []passwdEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) < 7 {
			continue // Tolerate malformed lines the way libc does.
		}
		uid, err := strconv.Atoi(fields[2])
		if err != nil {
			continue
		}
		gid, err := strconv.Atoi(fields[3])
		if err != nil {
			continue
		}
		entries = append(entries, passwdEntry{
			Name:  fields[0],
			UID:   uid,
			GID:   gid,
			Gecos: fields[4],
			Home:  fields[5],
			Shell: fields[6],
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, WrapSystemError("read", err).WithContext("path", db.passwdPath())
	}
	return entries, nil
}

// loadGroups parses the group database.
func (db *UserDB) loadGroups() ([]groupEntry, error) {
	f, err := os.Open(db.groupPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, WrapSystemError("open", err).WithContext("path", db.groupPath())
	}
	defer f.Close()

	var entries []groupEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) < 4 {
			continue
		}
		gid, err := strconv.Atoi(fields[2])
		if err != nil {
			continue
		}
		var members []string
		if fields[3] != "" {
			members = strings.Split(fields[3], ",")
		}
		entries = append(entries, groupEntry{Name: fields[0], GID: gid, Members: members})
	}
	if err := scanner.Err(); err != nil {
		return nil, WrapSystemError("read", err).WithContext("path", db.groupPath())
	}
	return entries, nil
}

func formatGroup(g groupEntry) string {
	return fmt.Sprintf("%s:x:%d:%s", g.Name, g.GID, strings.Join(g.Members, ","))
}

func formatPasswd(u passwdEntry) string {
	return fmt.Sprintf("%s:x:%d:%d:%s:%s:%s", u.Name, u.UID, u.GID, u.Gecos, u.Home, u.Shell)
}

// appendLine appends a single database line, creating the file when the image
// does not carry one yet.
func (db *UserDB) appendLine(path, line string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return WrapSystemError("open", err).WithContext("path", path)
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		return WrapSystemError("write", err).WithContext("path", path)
	}
	return nil
}

// rewriteGroups replaces the group database atomically via rename.
func (db *UserDB) rewriteGroups(entries []groupEntry) error {
	tmp := db.groupPath() + ".tmp"
	var b strings.Builder
	for _, g := range entries {
		b.WriteString(formatGroup(g))
		b.WriteString("\n")
	}
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return WrapSystemError("write", err).WithContext("path", tmp)
	}
	if err := os.Rename(tmp, db.groupPath()); err != nil {
		return WrapSystemError("rename", err).WithContext("path", db.groupPath())
	}
	return nil
}

// allocateSystemID picks the first free ID from the system account range,
// scanning upward from sysIDMin. Deployer-fixed GIDs tend to sit at the top
// of the range (999 is the docker group on most hosts), so upward allocation
// keeps them free.
func allocateSystemID(taken map[int]bool) (int, error) {
	for id := sysIDMin; id <= sysIDMax; id++ {
		if !taken[id] {
			return id, nil
		}
	}
	return 0, fmt.Errorf("system ID range %d-%d exhausted", sysIDMin, sysIDMax)
}

// EnsureGroup creates a system group, optionally with a fixed GID. Re-running
// with identical parameters is a no-op. A name that already exists with a
// different GID is a hard collision: silently adopting the existing ID would
// desynchronize the image from the deployer-declared host GID and turn a
// build-time error into a delayed runtime permission failure.
func (db *UserDB) EnsureGroup(ctx context.Context, name string, gid int) (*groupEntry, error) {
	logger := Logger(ctx).With("component", "identity")

	if name == "root" {
		return nil, NewBootstrapError(ErrGroupCreation, "refusing to manage the superuser group").
			WithContext("group", name).
			WithComponent("identity")
	}

	groups, err := db.loadGroups()
	if err != nil {
		return nil, err
	}

	taken := make(map[int]bool, len(groups))
	for i := range groups {
		g := &groups[i]
		taken[g.GID] = true
		if g.Name != name {
			continue
		}
		if gid <= 0 || g.GID == gid {
			logger.Debug("Group already present", "group", name, "gid", g.GID)
			return g, nil
		}
		return nil, NewBootstrapError(ErrGroupCreation, "group exists with a different GID").
			WithContext("group", name).
			WithContext("existing_gid", g.GID).
			WithContext("requested_gid", gid).
			WithComponent("identity")
	}

	if gid > 0 {
		if taken[gid] {
			return nil, NewBootstrapError(ErrGroupCreation, "GID already owned by another group").
				WithContext("group", name).
				WithContext("gid", gid).
				WithComponent("identity")
		}
	} else {
		gid, err = allocateSystemID(taken)
		if err != nil {
			return nil, NewBootstrapErrorWithCause(ErrGroupCreation, "GID allocation failed", err).
				WithContext("group", name).
				WithComponent("identity")
		}
	}

	entry := groupEntry{Name: name, GID: gid}
	if err := db.appendLine(db.groupPath(), formatGroup(entry)); err != nil {
		return nil, NewBootstrapErrorWithCause(ErrGroupCreation, "group database update failed", err).
			WithContext("group", name).
			WithContext("gid", gid).
			WithComponent("identity")
	}
	logger.Info("Created system group", "group", name, "gid", gid)
	return &entry, nil
}

// EnsureUser creates a non-login system account with the given primary group
// and supplementary group memberships. The account never receives UID 0 and
// never receives a login shell. Re-running with identical parameters is a
// no-op; a name collision with a different identity fails.
func (db *UserDB) EnsureUser(ctx context.Context, name string, uid, primaryGID int, supplementary []string) (*passwdEntry, error) {
	logger := Logger(ctx).With("component", "identity")

	if name == "root" {
		return nil, NewBootstrapError(ErrUserCreation, "execution identity must not be the superuser").
			WithContext("user", name).
			WithComponent("identity")
	}

	users, err := db.loadPasswd()
	if err != nil {
		return nil, err
	}

	taken := make(map[int]bool, len(users))
	var existing *passwdEntry
	for i := range users {
		taken[users[i].UID] = true
		if users[i].Name == name {
			existing = &users[i]
		}
	}

	if existing != nil {
		if existing.UID == 0 {
			return nil, NewBootstrapError(ErrUserCreation, "account exists with superuser UID").
				WithContext("user", name).
				WithComponent("identity")
		}
		if uid > 0 && existing.UID != uid {
			return nil, NewBootstrapError(ErrUserCreation, "user exists with a different UID").
				WithContext("user", name).
				WithContext("existing_uid", existing.UID).
				WithContext("requested_uid", uid).
				WithComponent("identity")
		}
		if existing.GID != primaryGID {
			return nil, NewBootstrapError(ErrUserCreation, "user exists with a different primary group").
				WithContext("user", name).
				WithContext("existing_gid", existing.GID).
				WithContext("requested_gid", primaryGID).
				WithComponent("identity")
		}
		// A pre-existing account with a login shell is not the non-login
		// identity this step is meant to produce. Adopting it silently would
		// leave the runtime user interactive, so treat it as a collision.
		if existing.Shell != NologinShell {
			return nil, NewBootstrapError(ErrUserCreation, "account exists with a login shell").
				WithContext("user", name).
				WithContext("shell", existing.Shell).
				WithComponent("identity")
		}
		if err := db.ensureMemberships(ctx, name, supplementary); err != nil {
			return nil, err
		}
		logger.Debug("User already present", "user", name, "uid", existing.UID)
		return existing, nil
	}

	if uid > 0 {
		if taken[uid] {
			return nil, NewBootstrapError(ErrUserCreation, "UID already owned by another account").
				WithContext("user", name).
				WithContext("uid", uid).
				WithComponent("identity")
		}
	} else {
		uid, err = allocateSystemID(taken)
		if err != nil {
			return nil, NewBootstrapErrorWithCause(ErrUserCreation, "UID allocation failed", err).
				WithContext("user", name).
				WithComponent("identity")
		}
	}
	// The invariant holds regardless of how the UID was chosen.
	if uid == 0 {
		return nil, NewBootstrapError(ErrUserCreation, "execution identity must not have UID 0").
			WithContext("user", name).
			WithComponent("identity")
	}

	entry := passwdEntry{
		Name:  name,
		UID:   uid,
		GID:   primaryGID,
		Gecos: "system account",
		Home:  "/nonexistent",
		Shell: NologinShell,
	}
	if err := db.appendLine(db.passwdPath(), formatPasswd(entry)); err != nil {
		return nil, NewBootstrapErrorWithCause(ErrUserCreation, "user database update failed", err).
			WithContext("user", name).
			WithComponent("identity")
	}

	// Lock the password field when the image carries a shadow database.
	if _, err := os.Stat(db.shadowPath()); err == nil {
		shadowLine := fmt.Sprintf("%s:!::0:99999:7:::", name)
		if err := db.appendLine(db.shadowPath(), shadowLine); err != nil {
			return nil, NewBootstrapErrorWithCause(ErrUserCreation, "shadow database update failed", err).
				WithContext("user", name).
				WithComponent("identity")
		}
	}

	if err := db.ensureMemberships(ctx, name, supplementary); err != nil {
		return nil, err
	}

	logger.Info("Created system user", "user", name, "uid", uid, "gid", primaryGID, "shell", NologinShell)
	return &entry, nil
}

// ensureMemberships records the user in the member list of each named group.
func (db *UserDB) ensureMemberships(ctx context.Context, user string, groups []string) error {
	if len(groups) == 0 {
		return nil
	}

	entries, err := db.loadGroups()
	if err != nil {
		return err
	}

	byName := make(map[string]*groupEntry, len(entries))
	for i := range entries {
		byName[entries[i].Name] = &entries[i]
	}

	changed := false
	for _, group := range groups {
		g, ok := byName[group]
		if !ok {
			return NewBootstrapError(ErrUserCreation, "supplementary group does not exist").
				WithContext("user", user).
				WithContext("group", group).
				WithComponent("identity")
		}
		member := false
		for _, m := range g.Members {
			if m == user {
				member = true
				break
			}
		}
		if !member {
			g.Members = append(g.Members, user)
			changed = true
		}
	}

	if !changed {
		return nil
	}
	if err := db.rewriteGroups(entries); err != nil {
		return NewBootstrapErrorWithCause(ErrUserCreation, "group membership update failed", err).
			WithContext("user", user).
			WithComponent("identity")
	}
	Logger(ctx).Info("Recorded supplementary memberships", "user", user, "groups", strings.Join(groups, ","))
	return nil
}

// LookupGroup returns the group entry with the given name, or nil.
func (db *UserDB) LookupGroup(name string) (*groupEntry, error) {
	groups, err := db.loadGroups()
	if err != nil {
		return nil, err
	}
	for i := range groups {
		if groups[i].Name == name {
			return &groups[i], nil
		}
	}
	return nil, nil
}

// ResolveIdentity loads the full runtime identity for a provisioned account:
// UID, primary GID and every supplementary GID recorded in the group database.
func (db *UserDB) ResolveIdentity(name string) (*Identity, error) {
	users, err := db.loadPasswd()
	if err != nil {
		return nil, err
	}

	var entry *passwdEntry
	for i := range users {
		if users[i].Name == name {
			entry = &users[i]
			break
		}
	}
	if entry == nil {
		return nil, NewBootstrapError(ErrPrivilegeDrop, "execution identity does not exist").
			WithContext("user", name).
			WithComponent("identity")
	}
	if entry.UID == 0 {
		return nil, NewBootstrapError(ErrPrivilegeDrop, "execution identity resolves to UID 0").
			WithContext("user", name).
			WithComponent("identity")
	}

	groups, err := db.loadGroups()
	if err != nil {
		return nil, err
	}
	var supplementary []int
	for _, g := range groups {
		if g.GID == entry.GID {
			continue
		}
		for _, m := range g.Members {
			if m == name {
				supplementary = append(supplementary, g.GID)
				break
			}
		}
	}

	return &Identity{
		Name:              entry.Name,
		UID:               entry.UID,
		GID:               entry.GID,
		SupplementaryGIDs: supplementary,
		HomeDir:           entry.Home,
		Shell:             entry.Shell,
	}, nil
}
