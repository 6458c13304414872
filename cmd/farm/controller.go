package main

import (
	"os"

	"github.com/hamba/cmd"
	"gopkg.in/urfave/cli.v2"
)

type controller interface {
	Join(addrs ...string) error
	Leave() error
	Close() error
}

func runController(c *cli.Context) error {
	ctx, err := cmd.NewContext(c)
	if err != nil {
		return err
	}

	app, err := newApplication(ctx)
	if err != nil {
		return err
	}

	return serve(app, ctx.StringSlice(flagJoin), cmd.WaitForSignals())
}

// serve runs the controller until a signal is received. The close error,
// which includes the final flush of job records, is returned when nothing
// failed before it.
func serve(app controller, join []string, sigs <-chan os.Signal) (err error) {
	defer func() {
		if cerr := app.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if len(join) > 0 {
		if err := app.Join(join...); err != nil {
			return err
		}
	}

	<-sigs

	return app.Leave()
}
