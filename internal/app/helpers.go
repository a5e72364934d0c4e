package app

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/petervdpas/relaychat/internal/util"
)

// NormalizeLocalViewer ensures the viewer only binds to localhost
// and returns the listen address and browser URL.
func NormalizeLocalViewer(cfgAddr string) (listenAddr string, url string) {
	a := strings.TrimSpace(cfgAddr)

	if strings.HasPrefix(a, ":") {
		a = "127.0.0.1" + a
	}
	if strings.HasPrefix(a, "0.0.0.0:") {
		a = "127.0.0.1:" + strings.TrimPrefix(a, "0.0.0.0:")
	}
	return a, "http://" + a
}

func WaitTCP(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		c, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			_ = c.Close()
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for %s", addr)
}

// resolvePeerID falls back to the host name when no peer id is configured.
func resolvePeerID(configured string) (string, error) {
	id := strings.TrimSpace(configured)
	if id == "" {
		host, err := os.Hostname()
		if err != nil {
			return "", fmt.Errorf("peer id not configured and host name unavailable: %w", err)
		}
		id = strings.NewReplacer(" ", "-", "/", "-", "\\", "-").Replace(host)
	}
	return util.ValidatePeerName(id)
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func logBanner(kind, dir, cfgPath string) {
	log.Info("────────────────────────────────────────")
	log.Infof("relaychat %s", kind)
	log.Infof(" Working dir : %s", dir)
	log.Infof(" Config file : %s", cfgPath)
	log.Info("────────────────────────────────────────")
}
