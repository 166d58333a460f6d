package registry

import (
	"fmt"
	"os"
	"strings"
	"testing"
	"time"
)

// zkServers returns the ensemble to test against from ZK_TEST_SERVERS, or
// skips the test: these are integration tests against a real ZooKeeper, not
// something a unit test run should spin up.
func zkServers(t *testing.T) []string {
	t.Helper()
	raw := os.Getenv("ZK_TEST_SERVERS")
	if raw == "" {
		t.Skip("ZK_TEST_SERVERS not set; skipping zookeeper-backed registry test")
	}
	return strings.Split(raw, ",")
}

func TestRegisterAndLookupMemory(t *testing.T) {
	servers := zkServers(t)

	root := fmt.Sprintf("/kvlog-test-%d", time.Now().UnixNano())
	r, err := New(servers, root, "node-a")
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if err := r.RegisterMemory(0x7f0000000000, 64<<20); err != nil {
		t.Fatal(err)
	}

	base, total, err := r.Lookup("node-a")
	if err != nil {
		t.Fatal(err)
	}
	if base != 0x7f0000000000 || total != 64<<20 {
		t.Fatalf("Lookup = (%#x, %d), want (%#x, %d)", base, total, 0x7f0000000000, uint64(64<<20))
	}

	nodes, err := r.Nodes()
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, n := range nodes {
		if n == "node-a" {
			found = true
		}
	}
	if !found {
		t.Fatalf("Nodes() = %v, want to contain node-a", nodes)
	}
}

func TestRegisterMemoryOverwritesExistingRegistration(t *testing.T) {
	servers := zkServers(t)

	root := fmt.Sprintf("/kvlog-test-%d", time.Now().UnixNano())
	r, err := New(servers, root, "node-b")
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if err := r.RegisterMemory(0x1000, 4096); err != nil {
		t.Fatal(err)
	}
	if err := r.RegisterMemory(0x2000, 8192); err != nil {
		t.Fatal(err)
	}

	base, total, err := r.Lookup("node-b")
	if err != nil {
		t.Fatal(err)
	}
	if base != 0x2000 || total != 8192 {
		t.Fatalf("Lookup after re-register = (%#x, %d), want (%#x, %d)", base, total, 0x2000, 8192)
	}
}
