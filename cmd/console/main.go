package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"ncm-console/pkg/api"
	"ncm-console/pkg/db"
	"ncm-console/pkg/model"
	"ncm-console/pkg/runner"
	"ncm-console/pkg/store"
)

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	token := flag.String("token", "", "static API token (optional; JWT always accepted)")
	storeType := flag.String("store", "memory", "store backend: memory|consul (requires build tag consul)")
	consulAddr := flag.String("consul-addr", "127.0.0.1:8500", "consul address (when store=consul)")
	tlsCert := flag.String("tls-cert", "", "TLS cert path (enables HTTPS if set with --tls-key)")
	tlsKey := flag.String("tls-key", "", "TLS key path (enables HTTPS if set with --tls-cert)")
	clientCA := flag.String("client-ca", "", "require and verify client certs using this CA (optional)")
	lockKey := flag.String("lock-key", "ncm/locks/leader", "Consul lock key for the stale-task sweeper")
	stepDelay := flag.Duration("step-delay", 200*time.Millisecond, "simulated per-device work duration")
	seed := flag.String("seed", "", "seed demo inventory: dept:group[:otp],... (dev only)")
	flag.Parse()

	var st store.Store
	switch *storeType {
	case "consul":
		st = store.NewConsulStore(*consulAddr)
	case "memory":
		st = store.NewMemoryStore()
	default:
		log.Fatalf("unsupported store type: %s", *storeType)
	}
	if *seed != "" {
		seedInventory(st, *seed)
	}

	gdb, err := db.Init()
	if err != nil {
		log.Fatalf("database init failed: %v", err)
	}

	hub := api.NewWSHub()
	run := runner.New(st, hub, *stepDelay)
	otp := api.NewOTPHandler(st)
	deployH := &api.DeployHandler{Store: st, Runner: run, OTP: otp}
	authH := &api.AuthHandler{DB: gdb}
	auth := api.AuthFunc(*token)

	mux := http.NewServeMux()
	api.RegisterRoutes(mux, st, *token)
	api.RegisterTaskRoutes(mux, st, auth, run)
	api.RegisterDeviceRoutes(mux, st, auth)
	otp.RegisterRoutes(mux, auth)
	deployH.RegisterRoutes(mux, auth)
	authH.RegisterRoutes(mux)
	mux.HandleFunc("/api/v1/ws/tasks", hub.HandleTaskWS)
	mux.Handle("/ui/", http.StripPrefix("/ui/", http.FileServer(http.Dir("web"))))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if lg, ok := st.(interface {
		LeaderGuard(context.Context, string, time.Duration, func(context.Context))
	}); ok && *storeType == "consul" {
		go lg.LeaderGuard(ctx, *lockKey, 15*time.Second, func(lctx context.Context) {
			log.Printf("leader acquired lock %s; sweeping stale tasks", *lockKey)
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-lctx.Done():
					log.Printf("leader lost lock %s", *lockKey)
					return
				case <-ticker.C:
					sweepStaleTasks(st)
				}
			}
		})
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Printf("console listening on %s", *addr)
	if *tlsCert != "" && *tlsKey != "" {
		if *clientCA != "" {
			cfg, errTLS := api.ServerTLSConfig(*tlsCert, *tlsKey, *clientCA)
			if errTLS != nil {
				log.Fatalf("failed to build TLS config: %v", errTLS)
			}
			srv.TLSConfig = cfg
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServeTLS(*tlsCert, *tlsKey)
		}
	} else {
		err = srv.ListenAndServe()
	}
	if err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// sweepStaleTasks marks jobs that stopped reporting as failed, in the status
// vocabulary their kind uses.
func sweepStaleTasks(st store.Store) {
	tasks, err := st.ListTasks("", 0)
	if err != nil {
		log.Printf("sweep: list tasks failed: %v", err)
		return
	}
	cutoff := time.Now().Add(-10 * time.Minute)
	for _, t := range tasks {
		if model.IsTerminalStatus(t.Status) || t.UpdatedAt.After(cutoff) {
			continue
		}
		switch t.Kind {
		case "config_push", "rollback":
			t.Status = model.PushFailed
		default:
			t.Status = model.TaskFailure
		}
		t.Error = "task stalled; marked failed by sweeper"
		if err := st.SaveTask(t); err != nil {
			log.Printf("sweep: save task %s failed: %v", t.ID, err)
		} else {
			log.Printf("sweep: task %s (%s) marked failed", t.ID, t.Kind)
		}
	}
}

// seedInventory creates demo devices and groups from a dept:group[:otp] list.
func seedInventory(st store.Store, list string) {
	n := 0
	for _, entry := range strings.Split(list, ",") {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) < 2 {
			continue
		}
		dept, group := parts[0], parts[1]
		requireOTP := len(parts) > 2 && parts[2] == "otp"
		_ = st.UpsertGroup(model.DeviceGroup{
			DeptID: dept, Group: group, RequireOTP: requireOTP,
			WaitTimeoutSec: 60, CacheTTLSec: 300,
		})
		for i := 1; i <= 2; i++ {
			n++
			id := fmt.Sprintf("%s-%s-%d", dept, group, i)
			_ = st.UpsertDevice(model.Device{
				ID: id, Name: id, MgmtIP: fmt.Sprintf("10.0.0.%d", n),
				DeptID: dept, Group: group, Reachable: true,
			})
		}
	}
	log.Printf("seeded %d demo devices", n)
}
