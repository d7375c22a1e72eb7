package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"time"

	"aegisgate/pkg/agentsdk"
)

// Testable variables for main()
var osExit = os.Exit

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "list":
		return listApprovals(args[1:], out)
	case "show":
		return showApproval(args[1:], out)
	case "approve":
		return respond(args[1:], out, true)
	case "reject":
		return respond(args[1:], out, false)
	case "cancel":
		return cancelApproval(args[1:], out)
	case "check-input":
		return checkInput(args[1:], out)
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "aegisctl commands:")
	fmt.Fprintln(out, "  list [--status PENDING] [--agent <id>]")
	fmt.Fprintln(out, "  show --id <request_id>")
	fmt.Fprintln(out, "  approve --id <request_id> [--reason <text>] [--by <responder>]")
	fmt.Fprintln(out, "  reject --id <request_id> [--reason <text>] [--by <responder>]")
	fmt.Fprintln(out, "  cancel --id <request_id> [--reason <text>]")
	fmt.Fprintln(out, "  check-input --content <text> [--principal <id>]")
}

func newFlagSet(name string) (*flag.FlagSet, *string, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	server := fs.String("server", envDefault("AEGIS_URL", "http://localhost:8080"), "gateway base URL")
	token := fs.String("token", os.Getenv("AEGIS_ADMIN_TOKEN"), "bearer token")
	return fs, server, token
}

func newClient(server, token string) *agentsdk.Client {
	c := agentsdk.NewClient(server, 30*time.Second)
	c.AuthToken = token
	return c
}

func printJSON(out io.Writer, v interface{}) error {
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(out, string(encoded))
	return nil
}

func listApprovals(args []string, out io.Writer) error {
	fs, server, token := newFlagSet("list")
	status := fs.String("status", "PENDING", "filter by status")
	agent := fs.String("agent", "", "filter by requesting agent")
	if err := fs.Parse(args); err != nil {
		return err
	}
	query := url.Values{}
	if *status != "" {
		query.Set("status", *status)
	}
	if *agent != "" {
		query.Set("agent_id", *agent)
	}
	reqs, err := newClient(*server, *token).ListApprovals(context.Background(), query)
	if err != nil {
		return fmt.Errorf("list approvals: %w", err)
	}
	return printJSON(out, reqs)
}

func showApproval(args []string, out io.Writer) error {
	fs, server, token := newFlagSet("show")
	id := fs.String("id", "", "request id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return errors.New("id required")
	}
	req, err := newClient(*server, *token).GetApproval(context.Background(), *id)
	if err != nil {
		return fmt.Errorf("get approval: %w", err)
	}
	return printJSON(out, req)
}

func respond(args []string, out io.Writer, approved bool) error {
	name := "reject"
	if approved {
		name = "approve"
	}
	fs, server, token := newFlagSet(name)
	id := fs.String("id", "", "request id")
	reason := fs.String("reason", "", "decision reason")
	by := fs.String("by", "aegisctl", "responder id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return errors.New("id required")
	}
	resp, err := newClient(*server, *token).RespondApproval(context.Background(), *id, approved, *reason, *by)
	if err != nil {
		return fmt.Errorf("respond: %w", err)
	}
	return printJSON(out, resp)
}

func cancelApproval(args []string, out io.Writer) error {
	fs, server, token := newFlagSet("cancel")
	id := fs.String("id", "", "request id")
	reason := fs.String("reason", "", "cancellation reason")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return errors.New("id required")
	}
	req, err := newClient(*server, *token).CancelApproval(context.Background(), *id, *reason)
	if err != nil {
		return fmt.Errorf("cancel: %w", err)
	}
	return printJSON(out, req)
}

func checkInput(args []string, out io.Writer) error {
	fs, server, token := newFlagSet("check-input")
	content := fs.String("content", "", "content to screen")
	principal := fs.String("principal", "aegisctl", "principal id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *content == "" {
		return errors.New("content required")
	}
	res, err := newClient(*server, *token).CheckInput(context.Background(), *content, *principal)
	if err != nil {
		return fmt.Errorf("check input: %w", err)
	}
	return printJSON(out, res)
}

func envDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
