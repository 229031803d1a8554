package main

import (
	"context"
	"errors"
	"strconv"

	"github.com/CodedInternet/gosorter/comms"
	"github.com/abiosoft/ishell"
)

// newShell builds the development shell. Motion commands go through the
// conductor so websocket clients see their results.
func newShell(ctx context.Context, conductor *comms.Conductor) *ishell.Shell {
	shell := ishell.New()
	shell.Println("Sorter development shell")
	shell.ShowPrompt(true)

	channelCmd := func(cmd string) func(c *ishell.Context) {
		return func(c *ishell.Context) {
			if len(c.Args) != 1 {
				c.Err(errors.New("usage: " + cmd + " <channel>"))
				return
			}
			channel, err := strconv.Atoi(c.Args[0])
			if err != nil {
				c.Err(err)
				return
			}

			res, err := conductor.ProcessCommand(ctx, comms.Cmd{Cmd: cmd, Channel: channel})
			if err != nil {
				c.Err(err)
				return
			}
			c.Printf("%s after %d steps, cause: %s\n", res.Result.Status, res.Result.Steps, res.Result.Cause)
		}
	}

	shell.AddCmd(&ishell.Cmd{
		Name: "home",
		Help: "drive toward home until a limit switch closes",
		Func: func(c *ishell.Context) {
			res, err := conductor.ProcessCommand(ctx, comms.Cmd{Cmd: comms.CMD_HOME})
			if err != nil {
				c.Err(err)
				return
			}
			c.Printf("Homed against the %s switch\n", res.Homed)
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "move",
		Help: "move <channel>",
		Func: channelCmd(comms.CMD_MOVE),
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "back",
		Help: "back <channel>, return from a channel short of home",
		Func: channelCmd(comms.CMD_BACK),
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "switches",
		Help: "show the limit switch states",
		Func: func(c *ishell.Context) {
			left, right, err := conductor.Device.Switches()
			if err != nil {
				c.Err(err)
				return
			}
			c.Printf("left: %v right: %v\n", left, right)
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "status",
		Help: "show the carriage state",
		Func: func(c *ishell.Context) {
			state, err := conductor.Snapshot()
			if err != nil {
				c.Err(err)
				return
			}
			c.Printf("%s %s, last stop: %s\n", state.State, state.Direction, state.Cause)
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "createsuperuser",
		Help: "createsuperuser <email> <password>",
		Func: func(c *ishell.Context) {
			// disable the '>>>' for cleaner same line input.
			c.ShowPrompt(false)
			defer c.ShowPrompt(true)

			var email string
			if len(c.Args) >= 1 {
				email = c.Args[0]
			} else {
				c.Print("Email: ")
				email = c.ReadLine()
			}

			var password string
			if len(c.Args) >= 2 {
				password = c.Args[1]
			} else {
				c.Print("Password: ")
				password = c.ReadPassword()
			}

			if _, err := createUser(ENV.DB, email, password, true); err != nil {
				c.Err(err)
				return
			}
			c.Println("Superuser created")
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "token",
		Help: "token <subject>, mint an API token",
		Func: func(c *ishell.Context) {
			if len(c.Args) != 1 {
				c.Err(errors.New("usage: token <subject>"))
				return
			}
			token, err := newJWT(c.Args[0])
			if err != nil {
				c.Err(err)
				return
			}
			c.Println(token)
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "cleanup",
		Help: "stop, disable the driver and release the GPIO backend",
		Func: func(c *ishell.Context) {
			conductor.Device.Cleanup()
			c.Println("Carriage released")
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "init",
		Help: "claim the GPIO backend again after cleanup",
		Func: func(c *ishell.Context) {
			if err := conductor.Device.Init(); err != nil {
				c.Err(err)
				return
			}
			c.Println("Carriage initialised")
		},
	})

	return shell
}
