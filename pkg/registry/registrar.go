// Package registry implements a ZooKeeper-backed MemoryRegistrar, the
// segment manager's optional memory registration hook. It publishes the
// allocator's backing address range as an ephemeral znode so other nodes
// (or an RDMA transport that needs to locate remote memory) can discover
// it.
package registry

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
)

// Registrar publishes a log's backing memory range under a fixed root path
// in ZooKeeper, using the same connect/ensurePath/ephemeral-node pattern
// node-liveness registration uses, repurposed for a single memory-location
// fact.
type Registrar struct {
	conn     *zk.Conn
	rootPath string
	nodeName string
}

// New connects to the given ZooKeeper ensemble and returns a Registrar that
// will publish memory registrations for nodeName under rootPath/memory.
func New(servers []string, rootPath, nodeName string) (*Registrar, error) {
	conn, _, err := zk.Connect(servers, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("registry: zk connect: %w", err)
	}
	return &Registrar{
		conn:     conn,
		rootPath: strings.TrimRight(rootPath, "/"),
		nodeName: nodeName,
	}, nil
}

// Close releases the underlying ZooKeeper session.
func (r *Registrar) Close() error {
	r.conn.Close()
	return nil
}

func (r *Registrar) ensurePath(path string) error {
	parts := strings.Split(path, "/")
	cur := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		cur = cur + "/" + p
		exists, _, err := r.conn.Exists(cur)
		if err != nil {
			return fmt.Errorf("registry: exists %s: %w", cur, err)
		}
		if !exists {
			_, err = r.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && err != zk.ErrNodeExists {
				return fmt.Errorf("registry: create %s: %w", cur, err)
			}
		}
	}
	return nil
}

// RegisterMemory implements kvlog/pkg/segmgr.MemoryRegistrar. It publishes
// an ephemeral znode at rootPath/memory/<nodeName> whose contents are
// "<baseAddress> <totalBytes>", so it disappears automatically if this
// process dies without deregistering.
func (r *Registrar) RegisterMemory(baseAddress uintptr, totalBytes uint64) error {
	if err := r.ensurePath(r.rootPath + "/memory"); err != nil {
		return err
	}

	path := fmt.Sprintf("%s/memory/%s", r.rootPath, r.nodeName)
	data := []byte(strconv.FormatUint(uint64(baseAddress), 10) + " " + strconv.FormatUint(totalBytes, 10))

	exists, stat, err := r.conn.Exists(path)
	if err != nil {
		return fmt.Errorf("registry: exists %s: %w", path, err)
	}
	if !exists {
		_, err := r.conn.Create(path, data, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
		if err != nil && err != zk.ErrNodeExists {
			return fmt.Errorf("registry: create %s: %w", path, err)
		}
		return nil
	}

	if _, err := r.conn.Set(path, data, stat.Version); err != nil {
		return fmt.Errorf("registry: set %s: %w", path, err)
	}
	return nil
}

// Lookup returns the registered (baseAddress, totalBytes) for nodeName, as
// published by that node's RegisterMemory call.
func (r *Registrar) Lookup(nodeName string) (baseAddress uintptr, totalBytes uint64, err error) {
	path := fmt.Sprintf("%s/memory/%s", r.rootPath, nodeName)
	data, _, err := r.conn.Get(path)
	if err != nil {
		return 0, 0, fmt.Errorf("registry: get %s: %w", path, err)
	}

	fields := strings.Fields(string(data))
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("registry: malformed memory record at %s: %q", path, data)
	}
	base, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("registry: parse base address at %s: %w", path, err)
	}
	total, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("registry: parse total bytes at %s: %w", path, err)
	}
	return uintptr(base), total, nil
}

// Nodes lists every node currently registered under rootPath/memory.
func (r *Registrar) Nodes() ([]string, error) {
	children, _, err := r.conn.Children(r.rootPath + "/memory")
	if err != nil {
		if err == zk.ErrNoNode {
			return nil, nil
		}
		return nil, fmt.Errorf("registry: children %s/memory: %w", r.rootPath, err)
	}
	return children, nil
}
