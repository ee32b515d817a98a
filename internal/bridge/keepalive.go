package bridge

import (
	"log"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// Transport keepalive defaults. PTY-level NUL keepalives are deliberately
// not used: they render as ^@ on terminals with echoctl.
const (
	KeepaliveInterval  = 30 * time.Second
	KeepaliveMaxMissed = 3
)

// StartKeepalive sends SSH-level keepalive requests on the client transport
// and closes it after maxMissed consecutive failures. The returned stop
// function ends the loop without closing the client.
func StartKeepalive(client *ssh.Client, interval time.Duration, maxMissed int) (stop func()) {
	if interval <= 0 {
		interval = KeepaliveInterval
	}
	if maxMissed <= 0 {
		maxMissed = KeepaliveMaxMissed
	}

	stopCh := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		missed := 0
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
			}

			replied := make(chan error, 1)
			go func() {
				_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
				replied <- err
			}()

			select {
			case err := <-replied:
				if err == nil {
					missed = 0
					continue
				}
				missed++
				log.Printf("[bridge] keepalive error (%d/%d): %v", missed, maxMissed, err)
			case <-time.After(interval):
				missed++
				log.Printf("[bridge] keepalive reply missing (%d/%d)", missed, maxMissed)
			case <-stopCh:
				return
			}

			if missed >= maxMissed {
				log.Printf("[bridge] %d keepalives missed, closing transport", missed)
				client.Close()
				return
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(stopCh) }) }
}
