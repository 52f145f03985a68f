// opsctl is the operator CLI for the NCM console: it starts backup and
// discovery jobs, follows their progress, and drives deployments through
// approval, execution, OTP step-up and rollback.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"ncm-console/pkg/client"
	"ncm-console/pkg/deploy"
	"ncm-console/pkg/kv"
	"ncm-console/pkg/model"
	"ncm-console/pkg/poller"
	"ncm-console/pkg/stepup"
	"ncm-console/pkg/version"
)

func main() {
	defaultServer := os.Getenv("NCM_SERVER")
	if defaultServer == "" {
		defaultServer = "http://127.0.0.1:8080"
	}
	server := flag.String("server", defaultServer, "console base URL (env NCM_SERVER)")
	token := flag.String("token", os.Getenv("NCM_TOKEN"), "bearer token (env NCM_TOKEN)")
	dbPath := flag.String("db", defaultDBPath(), "local state db for resumable task polling")
	interval := flag.Duration("interval", 2*time.Second, "task poll interval")
	maxAttempts := flag.Int("max-attempts", 150, "task poll attempts before giving up")
	showVersion := flag.Bool("v", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		log.Printf("opsctl version=%s", version.Build)
		return
	}
	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	cl := client.New(*server, *token)
	ctx := context.Background()

	var err error
	switch args[0] {
	case "login":
		err = cmdLogin(ctx, cl, args[1:])
	case "devices":
		err = cmdDevices(ctx, cl)
	case "backup":
		err = cmdBackup(ctx, cl, *dbPath, *interval, *maxAttempts, args[1:])
	case "scan":
		err = cmdScan(ctx, cl, *dbPath, *interval, *maxAttempts, args[1:])
	case "watch":
		err = cmdWatch(cl, *interval, *maxAttempts, args[1:])
	case "steps":
		err = cmdSteps(*server, *token, args[1:])
	case "resume":
		err = cmdResume(cl, *dbPath, *interval, *maxAttempts)
	case "deploy":
		err = cmdDeploy(ctx, cl, *interval, *maxAttempts, args[1:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s failed: %v", args[0], err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: opsctl [flags] <command>

commands:
  login <username> <password>
  devices
  backup [dev1,dev2,...]           back up all devices when none named
  scan <subnet>
  watch <task-id>
  steps <task-id>                  stream per-device step updates live
  resume                           re-attach to the last backup/scan task
  deploy create <template> <dev1,dev2,...> [k=v ...] [--approvers a,b]
  deploy show <id>
  deploy approve <id> <approver> <approved|rejected> [comment]
  deploy execute <id>
  deploy retry <id>
  deploy cancel <id>
  deploy preview <id>
  deploy rollback <id>`)
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".opsctl.db"
	}
	return home + "/.opsctl.db"
}

func cmdLogin(ctx context.Context, cl *client.Client, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: login <username> <password>")
	}
	token, err := cl.Login(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	fmt.Printf("export NCM_TOKEN=%s\n", token)
	return nil
}

func cmdDevices(ctx context.Context, cl *client.Client) error {
	devices, err := cl.ListDevices(ctx)
	if err != nil {
		return err
	}
	for _, d := range devices {
		state := "unreachable"
		if d.Reachable {
			state = "up"
		}
		fmt.Printf("%-20s %-15s %s/%s %s\n", d.ID, d.MgmtIP, d.DeptID, d.Group, state)
	}
	return nil
}

func cmdBackup(ctx context.Context, cl *client.Client, dbPath string, interval time.Duration, maxAttempts int, args []string) error {
	var devices []string
	if len(args) > 0 {
		devices = splitList(args[0])
	}
	taskID, err := cl.StartBackup(ctx, devices)
	if err != nil {
		return err
	}
	fmt.Printf("backup task %s started\n", taskID)
	return followPersistent(cl, dbPath, "opsctl.task_ref", taskID, interval, maxAttempts)
}

func cmdScan(ctx context.Context, cl *client.Client, dbPath string, interval time.Duration, maxAttempts int, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: scan <subnet>")
	}
	taskID, err := cl.StartScan(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("scan task %s started\n", taskID)
	return followPersistent(cl, dbPath, "opsctl.task_ref", taskID, interval, maxAttempts)
}

func cmdWatch(cl *client.Client, interval time.Duration, maxAttempts int, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: watch <task-id>")
	}
	done := make(chan error, 1)
	p := poller.New(cl, watchOptions(interval, maxAttempts, done))
	p.Start(args[0])
	return <-done
}

// cmdSteps subscribes to the console's step stream and prints each per-device
// step as it happens, buffered history first. Runs until interrupted or the
// server closes the connection.
func cmdSteps(server, token string, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: steps <task-id>")
	}
	wsURL := strings.Replace(server, "http", "ws", 1) + "/api/v1/ws/tasks?taskId=" + args[0]
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		return fmt.Errorf("connect %s: %w", wsURL, err)
	}
	defer conn.Close()

	for {
		var msg struct {
			TaskID string         `json:"taskId"`
			Step   model.TaskStep `json:"step"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			return nil
		}
		line := fmt.Sprintf("%s %-8s %-20s %s", msg.Step.Timestamp.Format("15:04:05"), msg.Step.Status, msg.Step.DeviceID, msg.Step.Name)
		if msg.Step.Message != "" {
			line += " (" + msg.Step.Message + ")"
		}
		fmt.Println(line)
	}
}

func cmdResume(cl *client.Client, dbPath string, interval time.Duration, maxAttempts int) error {
	store, err := kv.OpenSQLite(dbPath)
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	p := poller.NewPersistent(cl, store, "opsctl.task_ref", watchOptions(interval, maxAttempts, done))
	id, ok := p.Resume()
	if !ok {
		fmt.Println("no task to resume")
		return nil
	}
	fmt.Printf("resuming task %s\n", id)
	return <-done
}

// followPersistent records the task id durably before polling, so an
// interrupted opsctl can pick the task back up with `resume`.
func followPersistent(cl *client.Client, dbPath, key, taskID string, interval time.Duration, maxAttempts int) error {
	store, err := kv.OpenSQLite(dbPath)
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	p := poller.NewPersistent(cl, store, key, watchOptions(interval, maxAttempts, done))
	p.Start(taskID)
	return <-done
}

func watchOptions(interval time.Duration, maxAttempts int, done chan error) poller.Options {
	last := ""
	return poller.Options{
		Interval:    interval,
		MaxAttempts: maxAttempts,
		OnUpdate: func(st poller.TaskStatus) {
			if st.Status != last {
				last = st.Status
				fmt.Printf("task %s: %s\n", st.TaskID, st.Status)
			}
		},
		OnComplete: func(st poller.TaskStatus) {
			if st.Error != "" {
				fmt.Printf("task %s finished: %s (%s)\n", st.TaskID, st.Status, st.Error)
			} else {
				fmt.Printf("task %s finished: %s\n", st.TaskID, st.Status)
			}
			done <- nil
		},
		OnError: func(err error) {
			done <- err
		},
		OnTimeout: func() {
			done <- errors.New("gave up waiting for the task; it may still be running")
		},
	}
}

func cmdDeploy(ctx context.Context, cl *client.Client, interval time.Duration, maxAttempts int, args []string) error {
	if len(args) == 0 {
		usage()
		return errors.New("deploy needs a subcommand")
	}
	sub, rest := args[0], args[1:]

	if sub == "create" {
		return deployCreate(ctx, cl, rest)
	}
	if len(rest) < 1 {
		return fmt.Errorf("deploy %s needs a deployment id", sub)
	}
	id := rest[0]

	coord := stepup.NewCoordinator(cl, stepup.Options{
		Prompter: consolePrompter{},
		Notify:   func(msg string) { fmt.Println(msg) },
	})
	defer coord.Close()

	execDone := make(chan struct{}, 1)
	wf := deploy.NewWorkflow(cl, coord, deploy.Options{
		Poller: poller.Options{
			Interval:    interval,
			MaxAttempts: maxAttempts,
			OnComplete:  func(poller.TaskStatus) { execDone <- struct{}{} },
			OnTimeout:   func() { execDone <- struct{}{} },
			OnError:     func(error) { execDone <- struct{}{} },
		},
		OnChange: func(d model.Deployment) { printDeployment(d) },
		Warn:     func(msg string) { fmt.Println("warning:", msg) },
	})
	if err := wf.Load(ctx, id); err != nil {
		return err
	}

	switch sub {
	case "show":
		return nil // Load already printed it via OnChange
	case "approve":
		if len(rest) < 3 {
			return errors.New("usage: deploy approve <id> <approver> <approved|rejected> [comment]")
		}
		comment := ""
		if len(rest) > 3 {
			comment = strings.Join(rest[3:], " ")
		}
		return wf.Approve(ctx, rest[1], rest[2], comment)
	case "execute":
		return runGated(ctx, coord, wf, execDone, wf.Execute)
	case "retry":
		return runGated(ctx, coord, wf, execDone, wf.Retry)
	case "cancel":
		return wf.Cancel(ctx)
	case "preview":
		plan, err := wf.PreviewRollback(ctx)
		if err != nil {
			return err
		}
		printPlan(plan)
		return nil
	case "rollback":
		plan, err := wf.PreviewRollback(ctx)
		if err != nil {
			return err
		}
		printPlan(plan)
		if err := wf.Rollback(ctx); err != nil {
			return err
		}
		<-execDone
		return nil
	default:
		return fmt.Errorf("unknown deploy subcommand %q", sub)
	}
}

func deployCreate(ctx context.Context, cl *client.Client, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: deploy create <template> <dev1,dev2,...> [k=v ...] [--approvers a,b]")
	}
	templateID := args[0]
	targets := splitList(args[1])
	params := map[string]string{}
	var approvers []string
	for _, arg := range args[2:] {
		if v, ok := strings.CutPrefix(arg, "--approvers="); ok {
			approvers = splitList(v)
			continue
		}
		if k, v, ok := strings.Cut(arg, "="); ok {
			params[k] = v
		}
	}
	d, err := cl.CreateDeployment(ctx, templateID, params, targets, approvers)
	if err != nil {
		return err
	}
	printDeployment(*d)
	return nil
}

// runGated drives execute/retry through the step-up loop: when the server
// demands OTP verification the operation pauses, the operator answers the
// prompt, and the workflow resumes on its own.
func runGated(ctx context.Context, coord *stepup.Coordinator, wf *deploy.Workflow, execDone chan struct{}, op func(context.Context) error) error {
	err := op(ctx)
	if err != nil && !errors.Is(err, stepup.ErrStepUpPending) {
		return err
	}

	reader := bufio.NewReader(os.Stdin)
	for coord.Showing() {
		line, readErr := reader.ReadString('\n')
		if readErr != nil {
			return fmt.Errorf("authorization abandoned: %w", readErr)
		}
		if submitErr := coord.Submit(ctx, strings.TrimSpace(line)); submitErr != nil {
			fmt.Println(coord.ErrMsg())
		}
	}
	if wf.Status() == model.DeployPaused {
		return errors.New("deployment is paused awaiting authorization")
	}

	<-execDone
	return nil
}

// consolePrompter renders the step-up dialog on the terminal.
type consolePrompter struct{}

func (consolePrompter) Show(p stepup.Prompt) {
	fmt.Printf("\nauthorization required for %s/%s", p.Requirement.DeptID, p.Requirement.DeviceGroup)
	if p.Requirement.Message != "" {
		fmt.Printf(": %s", p.Requirement.Message)
	}
	fmt.Print("\nenter OTP code: ")
}

func (consolePrompter) Update(p stepup.Prompt) {
	if p.Busy {
		fmt.Println("verifying...")
		return
	}
	if p.ErrMsg != "" {
		fmt.Printf("%s\nenter OTP code: ", p.ErrMsg)
	}
}

func (consolePrompter) Hide() {}

func printDeployment(d model.Deployment) {
	fmt.Printf("deployment %s template=%s status=%s devices=%d\n",
		d.ID, d.TemplateID, d.Status, len(d.TargetDevices))
	for _, id := range d.TargetDevices {
		if r, ok := d.DeviceResults[id]; ok {
			line := fmt.Sprintf("  %-20s %s", id, r.Status)
			if r.Error != "" {
				line += " (" + r.Error + ")"
			}
			fmt.Println(line)
		}
	}
}

func printPlan(plan *model.RollbackPlan) {
	section := func(label string, items []model.RollbackItem) {
		for _, item := range items {
			fmt.Printf("%-16s %-20s %s\n", label, item.DeviceID, item.Reason)
		}
	}
	section("need rollback", plan.NeedRollback)
	section("skip", plan.Skip)
	section("cannot rollback", plan.CannotRollback)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
