package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mtzanidakis/orkestra/internal/ipc"
	"github.com/mtzanidakis/orkestra/internal/natsbus"
)

const requestTimeout = 10 * time.Second

func sendIPC(natsURL, reqType string, payload map[string]any, timeout time.Duration) (*ipc.Response, error) {
	client, err := natsbus.NewClientFromURL(natsURL)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	var p any
	if payload != nil {
		p = payload
	}
	resp, err := ipc.Call(client, reqType, p, timeout)
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return resp, errors.New(resp.Error)
	}
	return resp, nil
}

func parseArgs(args []string) (map[string]string, []string) {
	flags := make(map[string]string)
	var positional []string
	for i := 0; i < len(args); i++ {
		if len(args[i]) > 2 && args[i][:2] == "--" && i+1 < len(args) {
			flags[args[i][2:]] = args[i+1]
			i++
			continue
		}
		if len(args[i]) > 2 && args[i][:2] == "--" {
			continue
		}
		positional = append(positional, args[i])
	}
	return flags, positional
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, `  orkctl submit [--priority low|medium|high|urgent] "task description"`)
	fmt.Fprintln(w, "  orkctl workflow --file definition.yaml")
	fmt.Fprintln(w, `  orkctl template [--priority p] [--description "text"] <name>`)
	fmt.Fprintln(w, "  orkctl templates")
	fmt.Fprintln(w, "  orkctl status <workflow-id>")
	fmt.Fprintln(w, "  orkctl cancel <workflow-id>")
	fmt.Fprintln(w, "  orkctl report <workflow-id>")
	fmt.Fprintln(w, "  orkctl list")
	fmt.Fprintln(w, "  orkctl agents")
	fmt.Fprintln(w, "  orkctl standup")
}

func run(natsURL string, args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("missing command")
	}
	command := args[0]
	flags, rest := parseArgs(args[1:])

	idArg := func() (map[string]any, error) {
		if len(rest) != 1 {
			return nil, fmt.Errorf("%s takes exactly one workflow id", command)
		}
		return map[string]any{"id": rest[0]}, nil
	}

	switch command {
	case "submit":
		if len(rest) == 0 {
			return errors.New("a task description is required")
		}
		resp, err := sendIPC(natsURL, ipc.CmdSubmitTask, map[string]any{
			"description": strings.Join(rest, " "),
			"priority":    flags["priority"],
		}, requestTimeout)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Workflow submitted: %s\n", resp.ID)

	case "workflow":
		if flags["file"] == "" {
			return errors.New("--file is required")
		}
		data, err := os.ReadFile(flags["file"])
		if err != nil {
			return fmt.Errorf("read workflow file: %w", err)
		}
		resp, err := sendIPC(natsURL, ipc.CmdSubmitWorkflow, map[string]any{"definition": string(data)}, requestTimeout)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Workflow submitted: %s\n", resp.ID)

	case "template":
		if len(rest) != 1 {
			return errors.New("template takes exactly one template name")
		}
		resp, err := sendIPC(natsURL, ipc.CmdStartTemplate, map[string]any{
			"name":        rest[0],
			"description": flags["description"],
			"priority":    flags["priority"],
		}, requestTimeout)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Workflow submitted: %s\n", resp.ID)

	case "templates":
		resp, err := sendIPC(natsURL, ipc.CmdListTemplates, nil, requestTimeout)
		if err != nil {
			return err
		}
		if len(resp.Templates) == 0 {
			fmt.Fprintln(out, "No templates configured.")
			return nil
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tPHASES\tTITLE")
		for _, tpl := range resp.Templates {
			fmt.Fprintf(w, "%s\t%d\t%s\n", tpl.Name, len(tpl.Definition.Phases), tpl.Definition.Name)
		}
		w.Flush()

	case "status":
		payload, err := idArg()
		if err != nil {
			return err
		}
		resp, err := sendIPC(natsURL, ipc.CmdStatus, payload, requestTimeout)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Workflow %s: %s\n", resp.ID, resp.State)
		if resp.Status != nil {
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			for _, t := range resp.Status.Tasks {
				fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", t.State, t.Title, t.AgentID, t.ErrorKind)
			}
			w.Flush()
		}

	case "cancel":
		payload, err := idArg()
		if err != nil {
			return err
		}
		resp, err := sendIPC(natsURL, ipc.CmdCancel, payload, requestTimeout)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Workflow %s: %s\n", resp.ID, resp.State)

	case "report":
		payload, err := idArg()
		if err != nil {
			return err
		}
		resp, err := sendIPC(natsURL, ipc.CmdReport, payload, requestTimeout)
		if err != nil {
			return err
		}
		fmt.Fprint(out, resp.Report)

	case "list":
		resp, err := sendIPC(natsURL, ipc.CmdListWorkflows, nil, requestTimeout)
		if err != nil {
			return err
		}
		if len(resp.Workflows) == 0 {
			fmt.Fprintln(out, "No workflows found.")
			return nil
		}
		for _, wf := range resp.Workflows {
			fmt.Fprintf(out, "  %s  %-16s  %s\n", wf.ID, wf.State, firstLine(wf.Description))
		}

	case "agents":
		resp, err := sendIPC(natsURL, ipc.CmdAgents, nil, requestTimeout)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tCAPABILITIES\tLOAD\tCOMPLETED\tFAILED")
		for _, a := range resp.Agents {
			fmt.Fprintf(w, "%s\t%s\t%d/%d\t%d\t%d\n", a.ID, strings.Join(a.Capabilities, ","), a.Load, a.Capacity, a.Completed, a.Failed)
		}
		w.Flush()

	case "standup":
		resp, err := sendIPC(natsURL, ipc.CmdStandup, nil, time.Minute)
		if err != nil {
			return err
		}
		fmt.Fprint(out, resp.Text)

	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", command)
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func main() {
	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		natsURL = "nats://localhost:4222"
	}

	if err := run(natsURL, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
