// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"

	"github.com/kilnworks/kiln/pkg/fspath"
)

const (
	virtualVersion = "kiln-virtual/1"
	imagesDir      = "images"
	containersDir  = "containers"
	refsFile       = "refs.toml"
	imageConfig    = "config.toml"
	containerState = "state.toml"
	rootfsDir      = "rootfs"
)

// ErrVirtualObjectNotFound is returned for unknown virtual images and containers.
var ErrVirtualObjectNotFound = errors.New("virtual engine object not found")

type (
	// VirtualEngine stores images and containers as directory trees under a
	// root directory and runs commands with the embedded shell interpreter.
	// Paths are rebased onto the container tree; external programs still run
	// from the host, so it isolates filesystem state, not processes.
	VirtualEngine struct {
		root    string
		sources map[string]string
		mu      sync.Mutex
	}

	// VirtualOption configures a VirtualEngine.
	VirtualOption func(*VirtualEngine)

	virtualImage struct {
		ID         ImageID           `toml:"id"`
		Parent     ImageID           `toml:"parent,omitempty"`
		Ref        string            `toml:"ref,omitempty"`
		User       string            `toml:"user,omitempty"`
		WorkDir    string            `toml:"workdir,omitempty"`
		Env        map[string]string `toml:"env,omitempty"`
		Entrypoint []string          `toml:"entrypoint,omitempty"`
		TreeDigest string            `toml:"tree_digest"`
		Created    time.Time         `toml:"created"`
	}

	virtualMount struct {
		Host     string `toml:"host"`
		Target   string `toml:"target"`
		ReadOnly bool   `toml:"read_only,omitempty"`
	}

	virtualContainer struct {
		ID      ContainerID       `toml:"id"`
		Image   ImageID           `toml:"image"`
		User    string            `toml:"user,omitempty"`
		WorkDir string            `toml:"workdir"`
		Env     map[string]string `toml:"env,omitempty"`
		Mounts  []virtualMount    `toml:"mounts,omitempty"`
	}

	virtualRefs struct {
		Refs map[string]ImageID `toml:"refs"`
	}
)

// WithImageSource seeds ref from a host directory on first PullImage instead
// of the minimal root filesystem.
func WithImageSource(ref, dir string) VirtualOption {
	return func(e *VirtualEngine) { e.sources[ref] = dir }
}

// NewVirtualEngine creates a virtual engine rooted at root.
func NewVirtualEngine(root string, opts ...VirtualOption) (*VirtualEngine, error) {
	if root == "" {
		return nil, errors.New("virtual engine root must not be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve virtual engine root: %w", err)
	}
	e := &VirtualEngine{root: abs, sources: make(map[string]string)}
	for _, opt := range opts {
		opt(e)
	}
	for _, dir := range []string{imagesDir, containersDir} {
		if err := os.MkdirAll(filepath.Join(abs, dir), 0o755); err != nil {
			return nil, fmt.Errorf("create virtual engine root: %w", err)
		}
	}
	return e, nil
}

// Name returns the engine name.
func (e *VirtualEngine) Name() string { return string(EngineTypeVirtual) }

// Available is always true.
func (e *VirtualEngine) Available() bool { return true }

// Version returns the virtual engine format version.
func (e *VirtualEngine) Version(context.Context) (string, error) { return virtualVersion, nil }

// Root returns the directory holding images and containers.
func (e *VirtualEngine) Root() string { return e.root }

// --- Images ---

// PullImage materializes ref once. Later pulls of the same ref return the
// same id.
func (e *VirtualEngine) PullImage(ctx context.Context, ref string) (ImageID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	refs, err := e.loadRefs()
	if err != nil {
		return "", err
	}
	if id, ok := refs.Refs[ref]; ok {
		if _, err := os.Stat(e.imageDir(id)); err == nil {
			return id, nil
		}
	}

	staging, err := os.MkdirTemp(filepath.Join(e.root, imagesDir), ".pull-*")
	if err != nil {
		return "", fmt.Errorf("stage image: %w", err)
	}
	defer os.RemoveAll(staging)

	rootfs := filepath.Join(staging, rootfsDir)
	if src, ok := e.sources[ref]; ok {
		err = fspath.CopyTree(src, rootfs)
	} else {
		err = seedRootfs(rootfs)
	}
	if err != nil {
		return "", fmt.Errorf("materialize %s: %w", ref, err)
	}

	digest, err := fspath.TreeDigest(rootfs)
	if err != nil {
		return "", err
	}
	id := imageIDFor("ref", ref, digest)
	img := virtualImage{ID: id, Ref: ref, WorkDir: "/", TreeDigest: digest, Created: time.Now().UTC()}
	if err := e.publishImage(staging, img); err != nil {
		return "", err
	}

	refs.Refs[ref] = id
	if err := e.saveRefs(refs); err != nil {
		return "", err
	}
	return id, nil
}

// ImageExists accepts an image id or a pulled ref.
func (e *VirtualEngine) ImageExists(_ context.Context, image string) (bool, error) {
	id, err := e.resolveImage(image)
	if errors.Is(err, ErrVirtualObjectNotFound) {
		return false, nil
	}
	return err == nil && id != "", err
}

// RemoveImage deletes an image and any ref pointing at it.
func (e *VirtualEngine) RemoveImage(_ context.Context, image string, force bool) error {
	id, err := e.resolveImage(image)
	if err != nil {
		if force && errors.Is(err, ErrVirtualObjectNotFound) {
			return nil
		}
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := os.RemoveAll(e.imageDir(id)); err != nil {
		return fmt.Errorf("remove image %s: %w", id, err)
	}
	refs, err := e.loadRefs()
	if err != nil {
		return err
	}
	maps.DeleteFunc(refs.Refs, func(_ string, v ImageID) bool { return v == id })
	return e.saveRefs(refs)
}

// TreeDigest returns the digest recorded when the image was created.
func (e *VirtualEngine) TreeDigest(_ context.Context, image ImageID) (string, error) {
	img, err := e.loadImage(image)
	if err != nil {
		return "", err
	}
	return img.TreeDigest, nil
}

// --- Containers ---

// Create copies the image tree into a private container tree.
func (e *VirtualEngine) Create(ctx context.Context, opts CreateOptions) (ContainerID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	imageID, err := e.resolveImage(string(opts.Image))
	if err != nil {
		return "", err
	}
	img, err := e.loadImage(imageID)
	if err != nil {
		return "", err
	}

	mounts := make([]virtualMount, 0, len(opts.Volumes))
	for _, v := range opts.Volumes {
		if err := v.Validate(); err != nil {
			return "", err
		}
		if path.Clean(string(v.ContainerPath)) == "/" {
			return "", fmt.Errorf("volume %s: cannot mount over the container root", v)
		}
		if _, err := os.Stat(string(v.HostPath)); err != nil {
			return "", fmt.Errorf("volume %s: %w", v, err)
		}
		mounts = append(mounts, virtualMount{
			Host:     filepath.Clean(string(v.HostPath)),
			Target:   path.Clean(string(v.ContainerPath)),
			ReadOnly: v.ReadOnly,
		})
	}

	env := maps.Clone(img.Env)
	if env == nil {
		env = make(map[string]string)
	}
	maps.Copy(env, opts.Env)

	c := virtualContainer{
		ID:      ContainerID(strings.ReplaceAll(uuid.NewString(), "-", "")),
		Image:   imageID,
		User:    firstNonEmpty(opts.User, img.User),
		WorkDir: firstNonEmpty(opts.WorkDir, img.WorkDir, "/"),
		Env:     env,
		Mounts:  mounts,
	}

	staging, err := os.MkdirTemp(filepath.Join(e.root, containersDir), ".create-*")
	if err != nil {
		return "", fmt.Errorf("stage container: %w", err)
	}
	defer os.RemoveAll(staging)

	rootfs := filepath.Join(staging, rootfsDir)
	if err := fspath.CopyTree(filepath.Join(e.imageDir(imageID), rootfsDir), rootfs); err != nil {
		return "", fmt.Errorf("copy image tree: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(rootfs, filepath.FromSlash(c.WorkDir)), 0o755); err != nil {
		return "", fmt.Errorf("create workdir: %w", err)
	}
	if err := writeTOML(filepath.Join(staging, containerState), c); err != nil {
		return "", err
	}
	if err := os.Rename(staging, e.containerDir(c.ID)); err != nil {
		return "", fmt.Errorf("publish container: %w", err)
	}
	return c.ID, nil
}

// Exec runs argv through the embedded interpreter. See runShell.
func (e *VirtualEngine) Exec(ctx context.Context, id ContainerID, argv []string, opts ExecOptions) (*RunResult, error) {
	c, err := e.loadContainer(id)
	if err != nil {
		return nil, err
	}
	code, err := e.runShell(ctx, c, argv, opts)
	if err != nil {
		return nil, err
	}
	return &RunResult{ContainerID: id, ExitCode: code}, nil
}

// CopyTo copies a host file or tree to containerPath. A file copied onto an
// existing directory lands under its base name; a tree is merged into it.
func (e *VirtualEngine) CopyTo(_ context.Context, id ContainerID, hostPath, containerPath string) error {
	c, err := e.loadContainer(id)
	if err != nil {
		return err
	}
	dst := e.mapper(c).toHost(containerPath)
	return copyInto(hostPath, dst)
}

// CopyFrom copies containerPath to the host, resolving mounts first.
func (e *VirtualEngine) CopyFrom(_ context.Context, id ContainerID, containerPath, hostPath string) error {
	c, err := e.loadContainer(id)
	if err != nil {
		return err
	}
	src := e.mapper(c).toHost(containerPath)
	if _, err := os.Lstat(src); err != nil {
		return fmt.Errorf("copy from %s:%s: %w", id, containerPath, err)
	}
	return copyInto(src, hostPath)
}

// Commit copies the container tree into a new image. Mounted paths live
// outside the tree and are never included. Every commit gets a fresh id,
// even when the content equals an existing image.
func (e *VirtualEngine) Commit(ctx context.Context, id ContainerID, opts CommitOptions) (ImageID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c, err := e.loadContainer(id)
	if err != nil {
		return "", err
	}

	staging, err := os.MkdirTemp(filepath.Join(e.root, imagesDir), ".commit-*")
	if err != nil {
		return "", fmt.Errorf("stage image: %w", err)
	}
	defer os.RemoveAll(staging)

	rootfs := filepath.Join(staging, rootfsDir)
	if err := fspath.CopyTree(filepath.Join(e.containerDir(id), rootfsDir), rootfs); err != nil {
		return "", fmt.Errorf("copy container tree: %w", err)
	}
	digest, err := fspath.TreeDigest(rootfs)
	if err != nil {
		return "", err
	}

	img := virtualImage{
		ID:         imageIDFor("commit", string(c.Image), digest, uuid.NewString()),
		Parent:     c.Image,
		User:       opts.User,
		WorkDir:    opts.WorkDir,
		Env:        maps.Clone(opts.Env),
		Entrypoint: opts.Entrypoint,
		TreeDigest: digest,
		Created:    time.Now().UTC(),
	}
	if err := e.publishImage(staging, img); err != nil {
		return "", err
	}
	return img.ID, nil
}

// Remove deletes a container tree. Without force, an unknown id is an error.
func (e *VirtualEngine) Remove(_ context.Context, id ContainerID, force bool) error {
	dir := e.containerDir(id)
	if _, err := os.Stat(dir); err != nil {
		if force && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("container %s: %w", id, ErrVirtualObjectNotFound)
	}
	return os.RemoveAll(dir)
}

// --- storage helpers ---

func (e *VirtualEngine) imageDir(id ImageID) string {
	return filepath.Join(e.root, imagesDir, imageHex(id))
}

func (e *VirtualEngine) containerDir(id ContainerID) string {
	return filepath.Join(e.root, containersDir, filepath.Base(string(id)))
}

func (e *VirtualEngine) resolveImage(image string) (ImageID, error) {
	if image == "" {
		return "", fmt.Errorf("empty image: %w", ErrVirtualObjectNotFound)
	}
	id := ImageID("sha256:" + strings.TrimPrefix(image, "sha256:"))
	if !isImageID(image) {
		e.mu.Lock()
		refs, err := e.loadRefs()
		e.mu.Unlock()
		if err != nil {
			return "", err
		}
		var ok bool
		if id, ok = refs.Refs[image]; !ok {
			return "", fmt.Errorf("image %s: %w", image, ErrVirtualObjectNotFound)
		}
	}
	if _, err := os.Stat(e.imageDir(id)); err != nil {
		return "", fmt.Errorf("image %s: %w", image, ErrVirtualObjectNotFound)
	}
	return id, nil
}

func (e *VirtualEngine) loadImage(id ImageID) (*virtualImage, error) {
	var img virtualImage
	if err := readTOML(filepath.Join(e.imageDir(id), imageConfig), &img); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("image %s: %w", id, ErrVirtualObjectNotFound)
		}
		return nil, err
	}
	return &img, nil
}

func (e *VirtualEngine) loadContainer(id ContainerID) (*virtualContainer, error) {
	var c virtualContainer
	if err := readTOML(filepath.Join(e.containerDir(id), containerState), &c); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("container %s: %w", id, ErrVirtualObjectNotFound)
		}
		return nil, err
	}
	return &c, nil
}

// publishImage writes the config into staging and renames it into place.
func (e *VirtualEngine) publishImage(staging string, img virtualImage) error {
	if err := writeTOML(filepath.Join(staging, imageConfig), img); err != nil {
		return err
	}
	if err := os.Rename(staging, e.imageDir(img.ID)); err != nil {
		return fmt.Errorf("publish image %s: %w", img.ID, err)
	}
	return nil
}

func (e *VirtualEngine) loadRefs() (*virtualRefs, error) {
	refs := &virtualRefs{}
	if err := readTOML(filepath.Join(e.root, refsFile), refs); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	if refs.Refs == nil {
		refs.Refs = make(map[string]ImageID)
	}
	return refs, nil
}

func (e *VirtualEngine) saveRefs(refs *virtualRefs) error {
	return writeTOML(filepath.Join(e.root, refsFile), refs)
}

func readTOML(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := toml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func writeTOML(path string, v any) error {
	data, err := toml.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return fspath.WriteFileAtomic(path, data, 0o644)
}

// seedRootfs creates the minimal tree of a fresh base image.
func seedRootfs(rootfs string) error {
	for _, dir := range []string{"bin", "etc", "home", "root", "tmp", "usr/bin", "usr/local/bin"} {
		if err := os.MkdirAll(filepath.Join(rootfs, dir), 0o755); err != nil {
			return err
		}
	}
	files := map[string]string{
		"etc/passwd": "root:x:0:0:root:/root:/bin/sh\n",
		"etc/group":  "root:x:0:\n",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(rootfs, name), []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func imageIDFor(parts ...string) ImageID {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return ImageID("sha256:" + hex.EncodeToString(h.Sum(nil)))
}

func imageHex(id ImageID) string {
	return filepath.Base(strings.TrimPrefix(string(id), "sha256:"))
}

func isImageID(s string) bool {
	s = strings.TrimPrefix(s, "sha256:")
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// copyInto follows docker cp destination rules for directories.
func copyInto(src, dst string) error {
	if info, err := os.Stat(dst); err == nil && info.IsDir() {
		if srcInfo, err := os.Stat(src); err == nil && !srcInfo.IsDir() {
			dst = filepath.Join(dst, filepath.Base(src))
		}
	}
	return fspath.CopyTree(src, dst)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
