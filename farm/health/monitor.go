package health

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hamba/pkg/log"
	"github.com/hashicorp/memberlist"
	"github.com/hashicorp/serf/serf"
	"github.com/nrwiersma/renderfarm/farm/node"
	pkglog "github.com/nrwiersma/renderfarm/pkg/log"
	"github.com/pkg/errors"
)

const serfSnapshot = "serf/local.snapshot"

// Handler receives render node health changes.
type Handler interface {
	RegisterNode(id, addr string, timeout time.Duration) error
	NodeAlive(id string) error
	NodeFailed(id string) error
}

// Monitor is a member of the gossip cluster. The controller uses it to
// follow render node health, render nodes use it to advertise
// themselves.
type Monitor struct {
	config  *Config
	log     log.Logger
	handler Handler

	serf    *serf.Serf
	eventCh chan serf.Event

	shutdownMu sync.Mutex
	shutdownCh chan struct{}
	shutdown   bool
	wg         sync.WaitGroup
}

// New creates a gossip member. A nil handler only advertises.
func New(cfg *Config, h Handler) (*Monitor, error) {
	if cfg.EncryptKey != "" {
		key, err := base64.StdEncoding.DecodeString(cfg.EncryptKey)
		if err != nil {
			return nil, errors.Wrap(err, "health: failed to decode encryption key")
		}

		if err := memberlist.ValidateKey(key); err != nil {
			return nil, errors.Wrap(err, "health: invalid encryption key")
		}

		cfg.SerfConfig.MemberlistConfig.SecretKey = key
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.Null
	}

	m := &Monitor{
		config:     cfg,
		log:        logger,
		handler:    h,
		eventCh:    make(chan serf.Event, 256),
		shutdownCh: make(chan struct{}),
	}

	var err error
	m.serf, err = m.setupSerf(cfg.SerfConfig, m.eventCh)
	if err != nil {
		return nil, errors.Wrap(err, "health: error setting up serf")
	}

	m.wg.Add(1)
	go m.eventHandler()

	if h != nil {
		m.wg.Add(1)
		go m.reconcileLoop()
	}

	return m, nil
}

func (m *Monitor) setupSerf(config *serf.Config, ch chan serf.Event) (*serf.Serf, error) {
	config.Init()
	config.NodeName = m.config.Name

	tags := controllerTags()
	if m.config.Node != nil {
		tags = m.config.Node.ToTags()
	}
	for k, v := range tags {
		config.Tags[k] = v
	}

	config.Logger = pkglog.NewBridge(m.log, pkglog.Debug, fmt.Sprintf("serf/%s: ", m.config.Name))
	config.MemberlistConfig.Logger = pkglog.NewBridge(m.log, pkglog.Debug, fmt.Sprintf("memberlist/%s: ", m.config.Name))
	config.EventCh = ch
	config.EnableNameConflictResolution = false

	if m.config.DataDir != "" {
		config.SnapshotPath = filepath.Join(m.config.DataDir, serfSnapshot)
		if err := os.MkdirAll(filepath.Dir(config.SnapshotPath), 0755); err != nil {
			return nil, err
		}
	}

	return serf.Create(config)
}

// Members returns the members of the gossip cluster.
func (m *Monitor) Members() []serf.Member {
	return m.serf.Members()
}

// Join joins the gossip cluster through the given members.
func (m *Monitor) Join(addrs ...string) error {
	if _, err := m.serf.Join(addrs, true); err != nil {
		return errors.Wrap(err, "health: error joining cluster")
	}
	return nil
}

// Leave gracefully leaves the gossip cluster.
func (m *Monitor) Leave() error {
	if err := m.serf.Leave(); err != nil {
		return errors.Wrap(err, "health: error leaving cluster")
	}

	time.Sleep(m.config.LeaveDrainTime)

	return nil
}

func (m *Monitor) eventHandler() {
	defer m.wg.Done()

	for {
		select {
		case e := <-m.eventCh:
			me, ok := e.(serf.MemberEvent)
			if !ok || m.handler == nil {
				continue
			}

			switch e.EventType() {
			case serf.EventMemberJoin, serf.EventMemberUpdate:
				for _, member := range me.Members {
					m.memberAlive(member)
				}

			case serf.EventMemberLeave, serf.EventMemberFailed:
				for _, member := range me.Members {
					m.memberFailed(member)
				}
			}

		case <-m.shutdownCh:
			return
		}
	}
}

func (m *Monitor) reconcileLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.reconcile()

		case <-m.shutdownCh:
			return
		}
	}
}

func (m *Monitor) reconcile() {
	for _, member := range m.Members() {
		switch member.Status {
		case serf.StatusAlive:
			m.memberAlive(member)

		case serf.StatusFailed, serf.StatusLeft:
			m.memberFailed(member)
		}
	}
}

func (m *Monitor) memberAlive(member serf.Member) {
	n, ok := IsNode(member)
	if !ok {
		return
	}

	if m.config.AutoRegister {
		err := m.handler.RegisterNode(n.ID, n.Address, n.Timeout)
		switch {
		case err == nil:
			m.log.Info("health: node registered", "node", n.ID, "member", member.Name)
		case !errors.Is(err, node.ErrNodeExists):
			m.log.Error("health: error registering node", "node", n.ID, "error", err)
		}
	}

	if err := m.handler.NodeAlive(n.ID); err != nil {
		m.logHandlerError("health: error marking node alive", n.ID, err)
	}
}

func (m *Monitor) memberFailed(member serf.Member) {
	n, ok := IsNode(member)
	if !ok {
		return
	}

	m.log.Info("health: member failed", "node", n.ID, "member", member.Name, "status", member.Status.String())

	if err := m.handler.NodeFailed(n.ID); err != nil {
		m.logHandlerError("health: error marking node failed", n.ID, err)
	}
}

func (m *Monitor) logHandlerError(msg, id string, err error) {
	if errors.Is(err, node.ErrNodeNotFound) {
		m.log.Debug(msg, "node", id, "error", err)
		return
	}
	m.log.Error(msg, "node", id, "error", err)
}

// Close shuts down the gossip member without leaving.
func (m *Monitor) Close() error {
	m.shutdownMu.Lock()
	defer m.shutdownMu.Unlock()

	if m.shutdown {
		return nil
	}

	m.shutdown = true
	close(m.shutdownCh)

	var err error
	if m.serf != nil {
		if serr := m.serf.Shutdown(); serr != nil {
			err = errors.Wrap(serr, "health: error shutting down serf")
		}
	}

	m.wg.Wait()
	return err
}
