package main

import (
	"context"
	"fmt"
	"io"
	"net/rpc"
	"strings"
	"text/tabwriter"
	"time"

	farmrpc "github.com/nrwiersma/renderfarm/farm/rpc"
	"github.com/pkg/errors"
	"gopkg.in/urfave/cli.v2"
)

const dialTimeout = 5 * time.Second

func dial(c *cli.Context) (*rpc.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	client, err := farmrpc.DialContext(ctx, c.String(flagAddr))
	if err != nil {
		return nil, errors.Wrap(err, "could not connect to controller")
	}
	return client, nil
}

func call(c *cli.Context, method string, req, resp interface{}) error {
	client, err := dial(c)
	if err != nil {
		return err
	}
	defer client.Close()

	return client.Call(method, req, resp)
}

func arg(c *cli.Context, name string) (string, error) {
	if c.Args().Len() != 1 {
		return "", errors.Errorf("expected exactly one %s argument", name)
	}
	return c.Args().First(), nil
}

func runSubmit(c *cli.Context) error {
	req := &farmrpc.SubmitRequest{
		Path:   c.String(flagPath),
		Start:  c.Int(flagStart),
		End:    c.Int(flagEnd),
		Extras: c.IntSlice(flagExtra),
		Nodes:  c.StringSlice(flagNode),
	}
	if req.Path == "" {
		return errors.New("a scene path is required")
	}
	if len(req.Nodes) == 0 {
		return errors.New("at least one node is required")
	}

	var resp farmrpc.SubmitResponse
	if err := call(c, "Jobs.Submit", req, &resp); err != nil {
		return err
	}

	if c.Bool(flagRender) {
		if err := call(c, "Jobs.Start", &farmrpc.JobRequest{ID: resp.ID}, &farmrpc.Empty{}); err != nil {
			return errors.Wrapf(err, "job %s submitted but not started", resp.ID)
		}
	}

	fmt.Fprintln(c.App.Writer, resp.ID)
	return nil
}

func jobCommand(name, usage, method string) *cli.Command {
	return &cli.Command{
		Name:      name,
		Usage:     usage,
		ArgsUsage: "JOB",
		Flags:     []cli.Flag{addrFlag},
		Action: func(c *cli.Context) error {
			id, err := arg(c, "job")
			if err != nil {
				return err
			}
			return call(c, method, &farmrpc.JobRequest{ID: id}, &farmrpc.Empty{})
		},
	}
}

func runAddFrames(c *cli.Context) error {
	id, err := arg(c, "job")
	if err != nil {
		return err
	}
	frames := c.IntSlice(flagFrame)
	if len(frames) == 0 {
		return errors.New("at least one frame is required")
	}

	var resp farmrpc.FramesResponse
	if err := call(c, "Jobs.AddFrames", &farmrpc.FramesRequest{ID: id, Frames: frames}, &resp); err != nil {
		return err
	}

	fmt.Fprintf(c.App.Writer, "added %d frames\n", resp.Added)
	return nil
}

func runJobNodes(method string) cli.ActionFunc {
	return func(c *cli.Context) error {
		id, err := arg(c, "job")
		if err != nil {
			return err
		}
		nodes := c.StringSlice(flagNode)
		if len(nodes) == 0 {
			return errors.New("at least one node is required")
		}

		return call(c, method, &farmrpc.JobNodesRequest{ID: id, Nodes: nodes}, &farmrpc.Empty{})
	}
}

func runReorder(c *cli.Context) error {
	id, err := arg(c, "job")
	if err != nil {
		return err
	}

	return call(c, "Jobs.Reorder", &farmrpc.ReorderRequest{ID: id, Position: c.Int(flagPos)}, &farmrpc.Empty{})
}

func nodeCommand(name, usage, method string) *cli.Command {
	return &cli.Command{
		Name:      name,
		Usage:     usage,
		ArgsUsage: "NODE",
		Flags:     []cli.Flag{addrFlag},
		Action: func(c *cli.Context) error {
			id, err := arg(c, "node")
			if err != nil {
				return err
			}
			return call(c, method, &farmrpc.NodeRequest{ID: id}, &farmrpc.Empty{})
		},
	}
}

func runRegisterNode(c *cli.Context) error {
	id, err := arg(c, "node")
	if err != nil {
		return err
	}
	addr := c.String(flagAddress)
	if addr == "" {
		return errors.New("a node address is required")
	}

	req := &farmrpc.RegisterNodeRequest{ID: id, Address: addr, Timeout: c.Duration(flagTimeout)}
	return call(c, "Nodes.Register", req, &farmrpc.Empty{})
}

func runStatus(c *cli.Context) error {
	client, err := dial(c)
	if err != nil {
		return err
	}
	defer client.Close()

	var jobs farmrpc.JobsResponse
	if err := client.Call("Jobs.List", &farmrpc.JobsRequest{Filter: c.String(flagFilter)}, &jobs); err != nil {
		return err
	}

	var nodes farmrpc.NodesResponse
	if err := client.Call("Nodes.List", &farmrpc.NodesRequest{}, &nodes); err != nil {
		return err
	}

	printStatus(c.App.Writer, jobs, nodes)
	return nil
}

func printStatus(w io.Writer, jobs farmrpc.JobsResponse, nodes farmrpc.NodesResponse) {
	tw := tabwriter.NewWriter(w, 10, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", "ID", "Path", "Status", "Position", "Progress", "Nodes")
	for _, j := range jobs.Jobs {
		progress := fmt.Sprintf("%d/%d (%.1f%%)", j.Completed, j.Total, j.Percent)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", j.ID, j.Path, j.Status, j.QueuePosition, progress, strings.Join(j.Nodes, ","))
	}
	fmt.Fprintln(tw, "")

	fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", "Node", "Address", "Availability", "Frame", "Failures")
	for _, n := range nodes.Nodes {
		frame := "-"
		if n.JobID != "" {
			frame = fmt.Sprintf("%s:%d", n.JobID, n.Frame)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n", n.ID, n.Address, n.Availability, frame, n.FailureCount)
	}
	tw.Flush()
}
