// Package node assembles one device: persistence, the transport session,
// the payload router, the role controller, the application stores and the
// optional backup, NATS bridge and console services.
//
// Usage:
//
//	n, err := node.New(cfg, node.Deps{Consul: consulClient})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := n.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer n.Stop()
package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	consulapi "github.com/hashicorp/consul/api"

	"github.com/luxfi/assist/pkg/api"
	"github.com/luxfi/assist/pkg/backup"
	"github.com/luxfi/assist/pkg/bridge"
	"github.com/luxfi/assist/pkg/config"
	"github.com/luxfi/assist/pkg/controller"
	"github.com/luxfi/assist/pkg/kvstore"
	"github.com/luxfi/assist/pkg/logger"
	"github.com/luxfi/assist/pkg/payload"
	"github.com/luxfi/assist/pkg/router"
	"github.com/luxfi/assist/pkg/store"
	"github.com/luxfi/assist/pkg/transport"
	"github.com/luxfi/assist/pkg/types"
)

// Deps are the external clients a node uses. Discovery overrides the
// configured backend.
type Deps struct {
	Consul    *consulapi.Client
	NATS      bridge.Conn
	Discovery transport.Discovery
}

type Node struct {
	cfg  *config.Config
	role transport.Role

	kv         *kvstore.Store
	session    *transport.Session
	router     *router.Router
	controller *controller.Controller

	orders     *store.OrderManager
	alerts     *store.AlertInbox
	profiles   *store.ProfileDesk
	navigation *store.NavigationDesk
	assets     *store.NavigationAssetStore
	location   *store.LocationData
	paths      *store.PathStore

	bridge  *bridge.Bridge
	backups *backup.Manager
	console *api.Server

	profile *types.MobilityProfile
	menu    *types.MenuData

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New builds every component without starting any of them.
func New(cfg *config.Config, deps Deps) (*Node, error) {
	role, err := transport.ParseRole(cfg.Role)
	if err != nil {
		return nil, err
	}
	if cfg.DeviceName == "" {
		return nil, errors.New("node: device_name is required")
	}
	n := &Node{cfg: cfg, role: role, router: router.New()}

	if err := n.loadModels(); err != nil {
		return nil, err
	}

	kvCfg := kvstore.Config{Name: cfg.DeviceName, InMemory: cfg.DataDir == "", Passphrase: cfg.Passphrase, BackupDir: cfg.BackupDir}
	if cfg.DataDir != "" {
		kvCfg.Path = filepath.Join(cfg.DataDir, "db")
		if err := os.MkdirAll(kvCfg.Path, 0700); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
	}
	if n.kv, err = kvstore.New(kvCfg); err != nil {
		return nil, err
	}

	if err := n.buildStores(); err != nil {
		n.kv.Close() //nolint:errcheck
		return nil, err
	}

	discovery, err := n.discovery(deps)
	if err != nil {
		n.kv.Close() //nolint:errcheck
		return nil, err
	}
	policy, inviteCtx := invitationPolicy(cfg.Policy)
	n.session, err = transport.New(&transport.Config{
		ServiceType:       cfg.ServiceType,
		ListenAddr:        cfg.ListenAddr,
		AdvertiseAddr:     cfg.AdvertiseAddr,
		InviteTimeout:     cfg.InviteTimeout,
		Discovery:         discovery,
		Policy:            policy,
		InvitationContext: inviteCtx,
		StartAttempts:     cfg.StartAttempts,
	})
	if err != nil {
		n.kv.Close() //nolint:errcheck
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	n.controller = controller.New(n.session, n.router, controller.Options{
		DeviceName:      cfg.DeviceName,
		ConnectDeadline: cfg.ConnectDeadline,
	})
	n.controller.OnPeerConnected(n.greet)
	n.controller.OnPeerDisconnected(func(p transport.Peer) {
		logger.Info("Peer left", "peer", p.DisplayName)
	})

	if deps.NATS != nil {
		n.bridge = bridge.New(deps.NATS, cfg.ServiceType, cfg.DeviceName)
		n.bridge.Mirror(n.router)
	}

	if n.kv.Exec != nil {
		var uploader backup.Uploader
		s3, err := backup.NewS3Uploader(context.Background(), cfg.S3, cfg.DeviceName)
		if err != nil {
			logger.Warn("S3 backup disabled", "err", err)
		} else if s3 != nil {
			uploader = s3
		}
		n.backups = backup.NewManager(n.kv.Exec, uploader, cfg.BackupPeriod)
	}

	if cfg.APIAddr != "" {
		n.console = api.NewServer(api.Options{
			Addr:       cfg.APIAddr,
			Secret:     cfg.APISecret,
			Controller: consoleControl{Controller: n.controller, node: n},
			Peers:      n.session,
			Router:     n.router,
			Orders:     n.orders,
			Alerts:     n.alerts,
			Profiles:   n.profiles,
			Navigation: n.navigation,
		})
	}
	return n, nil
}

func (n *Node) buildStores() error {
	var err error
	if n.orders, err = store.NewOrderManager(n.router, n.kv); err != nil {
		return err
	}
	if n.alerts, err = store.NewAlertInbox(n.router, n.kv); err != nil {
		return err
	}
	if n.profiles, err = store.NewProfileDesk(n.router, n.kv); err != nil {
		return err
	}
	if n.navigation, err = store.NewNavigationDesk(n.router, n.kv); err != nil {
		return err
	}
	n.assets = store.NewNavigationAssetStore(n.router)
	n.location = store.NewLocationData(n.router)
	n.paths = store.NewPathStore(n.router)
	return nil
}

func (n *Node) discovery(deps Deps) (transport.Discovery, error) {
	if deps.Discovery != nil {
		return deps.Discovery, nil
	}
	switch n.cfg.Discovery.Backend {
	case config.DiscoveryMDNS:
		return transport.NewMDNSDiscovery(transport.MDNSConfig{Domain: n.cfg.Discovery.MDNS.Domain}), nil
	case config.DiscoveryMemory:
		return transport.NewMemoryDiscovery(), nil
	case config.DiscoveryConsul:
		if deps.Consul == nil {
			return nil, errors.New("node: consul discovery needs a consul client")
		}
		opts, err := n.cfg.ConsulOptions()
		if err != nil {
			return nil, err
		}
		return transport.NewConsulDiscovery(deps.Consul, transport.ConsulConfig{
			CheckInterval: opts.CheckTTL,
			WaitTime:      opts.WaitTime,
		}), nil
	}
	return nil, fmt.Errorf("node: unknown discovery backend %q", n.cfg.Discovery.Backend)
}

// invitationPolicy returns the policy staff applies and the context a user
// device sends with its invitations.
func invitationPolicy(cfg config.PolicyConfig) (transport.InvitationPolicy, []byte) {
	switch cfg.Mode {
	case config.PolicyAllowList:
		return transport.AllowList{Names: cfg.AllowList}, nil
	case config.PolicyPairingCode:
		return transport.PairingCode{Code: cfg.PairingCode}, []byte(cfg.PairingCode)
	}
	return transport.AcceptAll{}, nil
}

func (n *Node) loadModels() error {
	if n.cfg.ProfileFile != "" {
		var p types.MobilityProfile
		if err := readModel(n.cfg.ProfileFile, &p); err != nil {
			return err
		}
		n.profile = &p
	}
	if n.cfg.MenuFile != "" {
		var m types.MenuData
		if err := readModel(n.cfg.MenuFile, &m); err != nil {
			return err
		}
		n.menu = &m
	}
	return nil
}

func readModel(path string, v interface{ Validate() error }) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if err := v.Validate(); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// greet sends the models a new peer expects: a user's profile to staff,
// the venue menu to a user.
func (n *Node) greet(p transport.Peer) {
	logger.Info("Peer joined", "peer", p.DisplayName, "role", p.Role.String())
	switch n.controller.Role() {
	case transport.RoleUser:
		if n.profile != nil {
			n.send(payload.TypeMobilityProfile, *n.profile)
		}
	case transport.RoleStaff:
		if n.menu != nil {
			n.send(payload.TypeMenuData, *n.menu)
		}
	}
}

func (n *Node) send(t payload.MessageType, model any) {
	if err := n.controller.Send(t, model); err != nil {
		logger.Error("Failed to send", err, "type", t)
	}
}

// Start runs the dispatch loop and brings the session up in the configured
// role. A failed session start is logged and left for Retry.
func (n *Node) Start(ctx context.Context) error {
	ctx, n.cancel = context.WithCancel(ctx)
	n.ctx = ctx

	logger.Info("Starting assist node",
		"device", n.cfg.DeviceName,
		"role", n.role.String(),
		"service", n.cfg.ServiceType,
	)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.controller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Dispatch loop stopped", err)
		}
	}()

	if n.bridge != nil {
		if err := n.bridge.Relay(n.controller); err != nil {
			return err
		}
	}
	if n.backups != nil {
		n.backups.Start()
	}
	if n.console != nil {
		errCh := n.console.Start()
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := <-errCh; err != nil {
				logger.Error("Console server failed", err, "addr", n.cfg.APIAddr)
			}
		}()
	}

	if err := n.controller.SetRole(n.role); err != nil {
		logger.Warn("Session not started, retry from the console", "err", err)
		return nil
	}
	n.watchDeadline()
	return nil
}

// watchDeadline runs the user's connect deadline. When it passes without a
// staff device the controller reports RetryNeeded until a retry.
func (n *Node) watchDeadline() {
	ctx := n.ctx
	if ctx == nil || ctx.Err() != nil || n.controller.Role() != transport.RoleUser {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if !n.controller.AwaitPeer(ctx) && ctx.Err() == nil {
			logger.Warn("No staff device found", "service", n.cfg.ServiceType)
		}
	}()
}

// consoleControl re-arms the connect deadline after role changes and
// retries issued from the console.
type consoleControl struct {
	*controller.Controller
	node *Node
}

func (c consoleControl) SetRole(role transport.Role) error {
	if err := c.Controller.SetRole(role); err != nil {
		return err
	}
	c.node.watchDeadline()
	return nil
}

func (c consoleControl) Retry() error {
	if err := c.Controller.Retry(); err != nil {
		return err
	}
	c.node.watchDeadline()
	return nil
}

// Stop tears everything down in reverse order. It is safe to call twice.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		logger.Info("Stopping assist node", "device", n.cfg.DeviceName)
		if n.console != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := n.console.Shutdown(ctx); err != nil {
				logger.Warn("Console shutdown failed", "err", err)
			}
			cancel()
		}
		if n.bridge != nil {
			n.bridge.Close()
		}
		if err := n.session.Close(); err != nil {
			logger.Warn("Failed to close session", "err", err)
		}
		if n.cancel != nil {
			n.cancel()
		}
		n.wg.Wait()
		if n.backups != nil {
			n.backups.Stop()
		}
		if err := n.kv.Close(); err != nil {
			logger.Warn("Failed to close store", "err", err)
		}
		logger.Info("Assist node stopped", "device", n.cfg.DeviceName)
	})
}

func (n *Node) Controller() *controller.Controller { return n.controller }
func (n *Node) Session() *transport.Session { return n.session }
func (n *Node) Router() *router.Router { return n.router }
func (n *Node) Orders() *store.OrderManager { return n.orders }
func (n *Node) Alerts() *store.AlertInbox { return n.alerts }
func (n *Node) Profiles() *store.ProfileDesk { return n.profiles }
func (n *Node) Navigation() *store.NavigationDesk { return n.navigation }
func (n *Node) NavigationAssets() *store.NavigationAssetStore { return n.assets }
func (n *Node) Location() *store.LocationData { return n.location }
func (n *Node) Paths() *store.PathStore { return n.paths }
