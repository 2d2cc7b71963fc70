/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/xtexx/fabricia/internal/client"
	"github.com/xtexx/fabricia/internal/config"
	"github.com/xtexx/fabricia/internal/crash"
	applog "github.com/xtexx/fabricia/internal/log"
	"github.com/xtexx/fabricia/internal/version"
)

func usage() {
	fmt.Println("Fabricia — persistence and fan-out service client")
	fmt.Printf("Version: %s\n", version.String())
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  fabricia version|-v|--version              Show version")
	fmt.Println("  fabricia login <server> [subject]          Obtain a token and store it in the OS keyring")
	fmt.Println("  fabricia logout                            Remove the stored token")
	fmt.Println("  fabricia branch list <server>              List tracked branches")
	fmt.Println("  fabricia branch get <server> <name>        Show one branch")
	fmt.Println("  fabricia branch new <server> <name>        Register a branch")
	fmt.Println("  fabricia branch rm <server> <name>         Remove a branch")
	fmt.Println("  fabricia jobs <server>                     Show pending background jobs")
}

func main() {
	applog.Init(applog.FromEnv())
	l := applog.WithComponent("cli")
	defer crash.Recover()

	args := os.Args
	l.Debug("start", slog.Int("args", len(args)))
	if len(args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch args[1] {
	case "version", "--version", "-v":
		fmt.Println(version.String())
	case "login":
		if len(args) < 3 {
			fmt.Println("login requires <server>")
			usage()
			os.Exit(2)
		}
		subject := "dev"
		if len(args) > 3 {
			subject = args[3]
		}
		c := client.New(args[2], "")
		tok, err := c.RequestToken(ctx, subject, time.Hour)
		if err != nil {
			fail(l, "login failed", err)
		}
		if err := config.SaveToken(tok.Token); err != nil {
			fail(l, "storing token failed", err)
		}
		fmt.Println("Logged in; token expires at", tok.ExpiresAt)
	case "logout":
		if err := config.DeleteToken(); err != nil {
			fail(l, "logout failed", err)
		}
		fmt.Println("Logged out")
	case "branch":
		if len(args) < 4 {
			usage()
			os.Exit(2)
		}
		c := authedClient(l, args[3])
		switch args[2] {
		case "list":
			list, err := c.ListBranches(ctx)
			if err != nil {
				fail(l, "list failed", err)
			}
			for _, b := range list {
				fmt.Printf("%-30s %s\n", b.Name, b.Status)
			}
		case "get":
			requireName(args)
			b, err := c.GetBranch(ctx, args[4])
			if err != nil {
				fail(l, "get failed", err)
			}
			out, _ := json.MarshalIndent(b, "", "  ")
			fmt.Println(string(out))
		case "new":
			requireName(args)
			b, err := c.NewBranch(ctx, args[4], nil)
			if err != nil {
				fail(l, "create failed", err)
			}
			fmt.Println("Created branch", b.Name)
		case "rm":
			requireName(args)
			if err := c.DeleteBranch(ctx, args[4]); err != nil {
				fail(l, "delete failed", err)
			}
			fmt.Println("Deleted branch", args[4])
		default:
			usage()
			os.Exit(2)
		}
	case "jobs":
		if len(args) < 3 {
			fmt.Println("jobs requires <server>")
			os.Exit(2)
		}
		c := authedClient(l, args[2])
		n, err := c.PendingJobs(ctx)
		if err != nil {
			fail(l, "jobs failed", err)
		}
		fmt.Println("Pending jobs:", n)
	default:
		usage()
		os.Exit(2)
	}
}

// authedClient builds a client with the keyring token attached.
func authedClient(l *slog.Logger, server string) *client.Client {
	_, tok, err := config.Load()
	if err != nil {
		l.Warn("config load", slog.Any("err", err))
	}
	if tok == "" {
		fmt.Println("Not logged in; run `fabricia login <server>` first")
		os.Exit(1)
	}
	return client.New(server, tok)
}

func requireName(args []string) {
	if len(args) < 5 {
		fmt.Println("branch", args[2], "requires <server> <name>")
		os.Exit(2)
	}
}

func fail(l *slog.Logger, msg string, err error) {
	l.Error(msg, slog.Any("err", err))
	fmt.Println("Error:", err)
	os.Exit(1)
}
