package main

import (
	"log"
	"os"
	"time"

	"github.com/hamba/cmd"
	"gopkg.in/urfave/cli.v2"
)

import _ "github.com/joho/godotenv/autoload"

const (
	flagID               = "id"
	flagName             = "name"
	flagDataDir          = "data-dir"
	flagRaftAddr         = "raft-addr"
	flagRPCAddr          = "rpc-addr"
	flagSerfAddr         = "serf-addr"
	flagEncryptKey       = "encrypt"
	flagJoin             = "join"
	flagAutoRegister     = "auto-register"
	flagFrameTimeout     = "frame-timeout"
	flagFailureThreshold = "failure-threshold"
	flagSweepInterval    = "sweep-interval"
	flagAdapterTimeout   = "adapter-timeout"
	flagStatusInterval   = "status-interval"

	flagAddr    = "addr"
	flagPath    = "path"
	flagStart   = "start"
	flagEnd     = "end"
	flagExtra   = "extra"
	flagNode    = "node"
	flagRender  = "render"
	flagFrame   = "frame"
	flagPos     = "position"
	flagAddress = "address"
	flagTimeout = "timeout"
	flagFilter  = "filter"
)

var version = "¯\\_(ツ)_/¯"

var addrFlag = &cli.StringFlag{
	Name:    flagAddr,
	Usage:   "The RPC address of the controller.",
	Value:   "127.0.0.1:8300",
	EnvVars: []string{"FARM_ADDR"},
}

var commands = []*cli.Command{
	{
		Name:  "controller",
		Usage: "Run the render farm controller",
		Flags: cmd.Flags{
			&cli.StringFlag{
				Name:    flagID,
				Usage:   "The controller id.",
				Value:   "controller",
				EnvVars: []string{"FARM_ID"},
			},
			&cli.StringFlag{
				Name:    flagName,
				Usage:   "The member name in the health cluster.",
				EnvVars: []string{"FARM_NAME"},
			},
			&cli.StringFlag{
				Name:    flagDataDir,
				Usage:   "The path under which to store job data.",
				Value:   "/tmp/renderfarm",
				EnvVars: []string{"FARM_DATA_DIR"},
			},
			&cli.StringFlag{
				Name:    flagRaftAddr,
				Usage:   "The address for the job store log to bind on.",
				Value:   "127.0.0.1:8310",
				EnvVars: []string{"FARM_RAFT_ADDR"},
			},
			&cli.StringFlag{
				Name:    flagRPCAddr,
				Usage:   "The address to serve the job and node API on.",
				Value:   "0.0.0.0:8300",
				EnvVars: []string{"FARM_RPC_ADDR"},
			},
			&cli.StringFlag{
				Name:    flagSerfAddr,
				Usage:   "The address for Serf to bind on.",
				Value:   "0.0.0.0:8301",
				EnvVars: []string{"FARM_SERF_ADDR"},
			},
			&cli.StringFlag{
				Name:    flagEncryptKey,
				Usage:   "The encryption key to secure Serf.",
				EnvVars: []string{"FARM_ENCRYPTION_KEY"},
			},
			&cli.StringSliceFlag{
				Name:    flagJoin,
				Usage:   "The serf addresses of render nodes to join at start time.",
				Value:   nil,
				EnvVars: []string{"FARM_JOIN"},
			},
			&cli.BoolFlag{
				Name:    flagAutoRegister,
				Usage:   "Register render nodes when they join the health cluster.",
				Value:   true,
				EnvVars: []string{"FARM_AUTO_REGISTER"},
			},
			&cli.DurationFlag{
				Name:    flagFrameTimeout,
				Usage:   "The silence allowed for a frame before it is requeued.",
				Value:   10 * time.Minute,
				EnvVars: []string{"FARM_FRAME_TIMEOUT"},
			},
			&cli.IntFlag{
				Name:    flagFailureThreshold,
				Usage:   "The consecutive failures after which a node is disabled. Zero disables the threshold.",
				Value:   3,
				EnvVars: []string{"FARM_FAILURE_THRESHOLD"},
			},
			&cli.DurationFlag{
				Name:    flagSweepInterval,
				Usage:   "How often frames are checked for timeouts.",
				Value:   5 * time.Second,
				EnvVars: []string{"FARM_SWEEP_INTERVAL"},
			},
			&cli.DurationFlag{
				Name:    flagAdapterTimeout,
				Usage:   "The timeout for starting or cancelling a frame on a node.",
				Value:   30 * time.Second,
				EnvVars: []string{"FARM_ADAPTER_TIMEOUT"},
			},
			&cli.DurationFlag{
				Name:    flagStatusInterval,
				Usage:   "How often the farm status is reported.",
				Value:   10 * time.Second,
				EnvVars: []string{"FARM_STATUS_INTERVAL"},
			},
		}.Merge(cmd.CommonFlags),
		Action: runController,
	},
	{
		Name:  "submit",
		Usage: "Submit a render job",
		Flags: []cli.Flag{
			addrFlag,
			&cli.StringFlag{
				Name:  flagPath,
				Usage: "The path of the scene to render.",
			},
			&cli.IntFlag{
				Name:  flagStart,
				Usage: "The first frame to render.",
				Value: 1,
			},
			&cli.IntFlag{
				Name:  flagEnd,
				Usage: "The last frame to render.",
			},
			&cli.IntSliceFlag{
				Name:  flagExtra,
				Usage: "Extra frames to render outside the range.",
			},
			&cli.StringSliceFlag{
				Name:  flagNode,
				Usage: "The nodes allowed to render the job.",
			},
			&cli.BoolFlag{
				Name:  flagRender,
				Usage: "Start rendering the job once submitted.",
			},
		},
		Action: runSubmit,
	},
	{
		Name:  "job",
		Usage: "Manage render jobs",
		Subcommands: []*cli.Command{
			jobCommand("start", "Start rendering a job", "Jobs.Start"),
			jobCommand("pause", "Pause a job, letting frames in flight finish", "Jobs.Pause"),
			jobCommand("stop", "Stop a job, cancelling frames in flight", "Jobs.Stop"),
			jobCommand("requeue", "Requeue a finished, stopped or failed job", "Jobs.Requeue"),
			jobCommand("delete", "Delete a job", "Jobs.Delete"),
			{
				Name:      "add-frames",
				Usage:     "Add frames to a job",
				ArgsUsage: "JOB",
				Flags: []cli.Flag{
					addrFlag,
					&cli.IntSliceFlag{
						Name:  flagFrame,
						Usage: "A frame to add.",
					},
				},
				Action: runAddFrames,
			},
			{
				Name:      "add-nodes",
				Usage:     "Allow nodes to render a job",
				ArgsUsage: "JOB",
				Flags: []cli.Flag{
					addrFlag,
					&cli.StringSliceFlag{
						Name:  flagNode,
						Usage: "A node to add.",
					},
				},
				Action: runJobNodes("Jobs.AddNodes"),
			},
			{
				Name:      "remove-nodes",
				Usage:     "Stop nodes receiving new frames of a job",
				ArgsUsage: "JOB",
				Flags: []cli.Flag{
					addrFlag,
					&cli.StringSliceFlag{
						Name:  flagNode,
						Usage: "A node to remove.",
					},
				},
				Action: runJobNodes("Jobs.RemoveNodes"),
			},
			{
				Name:      "reorder",
				Usage:     "Move a job in the queue",
				ArgsUsage: "JOB",
				Flags: []cli.Flag{
					addrFlag,
					&cli.IntFlag{
						Name:  flagPos,
						Usage: "The new queue position. Lower positions are served first.",
					},
				},
				Action: runReorder,
			},
		},
	},
	{
		Name:  "node",
		Usage: "Manage render nodes",
		Subcommands: []*cli.Command{
			{
				Name:      "register",
				Usage:     "Register a render node",
				ArgsUsage: "NODE",
				Flags: []cli.Flag{
					addrFlag,
					&cli.StringFlag{
						Name:  flagAddress,
						Usage: "The RPC address of the render node.",
					},
					&cli.DurationFlag{
						Name:  flagTimeout,
						Usage: "The frame timeout for the node. Zero uses the controller default.",
					},
				},
				Action: runRegisterNode,
			},
			nodeCommand("deregister", "Remove a render node", "Nodes.Deregister"),
			nodeCommand("reset", "Clear the failures of a render node", "Nodes.Reset"),
			nodeCommand("disable", "Take a render node out of rotation", "Nodes.Disable"),
		},
	},
	{
		Name:  "status",
		Usage: "Show the status of jobs and nodes",
		Flags: []cli.Flag{
			addrFlag,
			&cli.StringFlag{
				Name:  flagFilter,
				Usage: "A filter expression to select jobs by.",
			},
		},
		Action: runStatus,
	},
	{
		Name:   "keygen",
		Usage:  "Generate a Serf encryption key",
		Action: runKeyGen,
	},
}

func newApp() *cli.App {
	return &cli.App{
		Name:     "farm",
		Version:  version,
		Commands: commands,
	}
}

func main() {
	app := newApp()

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
