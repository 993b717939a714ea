// Copyright 2025 The LUCI Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command git-cl uploads local branches to Gerrit and drives tryjobs for
// the resulting changes.
package main

import (
	"context"
	"os"

	"github.com/maruel/subcommands"

	"go.chromium.org/luci/auth"
	"go.chromium.org/luci/auth/client/authcli"
	"go.chromium.org/luci/common/cli"
	"go.chromium.org/luci/common/flag/fixflagpos"
	"go.chromium.org/luci/common/logging/gologger"
	"go.chromium.org/luci/hardcoded/chromeinfra"
)

var logCfg = gologger.LoggerConfig{
	Out: os.Stderr,
}

func getApplication(defaultAuthOpts auth.Options) *cli.Application {
	return &cli.Application{
		Name:  "git-cl",
		Title: "A Gerrit changelist tool for git checkouts.",
		Context: func(ctx context.Context) context.Context {
			return logCfg.Use(ctx)
		},
		Commands: []*subcommands.Command{
			cmdUpload(defaultAuthOpts),
			cmdUploadDeps(defaultAuthOpts),
			cmdTry(defaultAuthOpts),
			cmdTryResults(defaultAuthOpts),
			cmdStatus(defaultAuthOpts),

			{}, // a separator
			authcli.SubcommandLogin(defaultAuthOpts, "auth-login", false),
			authcli.SubcommandLogout(defaultAuthOpts, "auth-logout", false),
			authcli.SubcommandInfo(defaultAuthOpts, "auth-info", false),

			{}, // a separator
			subcommands.CmdHelp,
		},
	}
}

func main() {
	app := getApplication(chromeinfra.DefaultAuthOptions())
	os.Exit(subcommands.Run(app, fixflagpos.FixSubcommands(os.Args[1:])))
}
