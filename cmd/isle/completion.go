// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/kraklabs/isle/internal/errors"
)

// bashCompletionTemplate is the bash completion script for isle.
const bashCompletionTemplate = `#!/bin/bash

# Bash completion script for isle
# Installation:
#   source <(isle completion bash)
#   Or add to ~/.bashrc:
#   echo 'source <(isle completion bash)' >> ~/.bashrc

_isle_completion() {
    local cur prev commands
    commands="init ingest crawl query scope jobs stats clear watch serve completion version"

    cur="${COMP_WORDS[COMP_CWORD]}"
    prev="${COMP_WORDS[COMP_CWORD-1]}"

    # Global flags
    if [[ ${cur} == -* && $COMP_CWORD -eq 1 ]] ; then
        COMPREPLY=( $(compgen -W "--json --quiet --no-color --verbose --config --version" -- ${cur}) )
        return 0
    fi

    # First argument: complete commands
    if [ $COMP_CWORD -eq 1 ]; then
        COMPREPLY=( $(compgen -W "${commands}" -- ${cur}) )
        return 0
    fi

    local cmd="${COMP_WORDS[1]}"
    case "${cmd}" in
        init)
            if [[ ${cur} == -* ]] ; then
                COMPREPLY=( $(compgen -W "--force" -- ${cur}) )
            fi
            ;;
        ingest)
            if [[ ${cur} == -* ]] ; then
                COMPREPLY=( $(compgen -W "--repo --branch --sha --project --dataset --scope --force" -- ${cur}) )
            else
                COMPREPLY=( $(compgen -d -- ${cur}) )
            fi
            ;;
        crawl)
            if [[ ${cur} == -* ]] ; then
                COMPREPLY=( $(compgen -W "--mode --max-pages --max-depth --same-domain --allow --deny --project --dataset" -- ${cur}) )
            fi
            ;;
        query)
            if [[ ${cur} == -* ]] ; then
                COMPREPLY=( $(compgen -W "--project --dataset --top-k --threshold --path-prefix --repo --lang --include-global --content" -- ${cur}) )
            fi
            ;;
        scope)
            if [[ ${cur} == -* ]] ; then
                COMPREPLY=( $(compgen -W "--pin-project --pin-dataset --history" -- ${cur}) )
            fi
            ;;
        jobs)
            if [ $COMP_CWORD -eq 2 ]; then
                COMPREPLY=( $(compgen -W "list get cancel" -- ${cur}) )
            elif [[ ${cur} == -* ]] ; then
                COMPREPLY=( $(compgen -W "--project --state --limit" -- ${cur}) )
            fi
            ;;
        stats)
            if [[ ${cur} == -* ]] ; then
                COMPREPLY=( $(compgen -W "--project --all" -- ${cur}) )
            fi
            ;;
        clear)
            if [[ ${cur} == -* ]] ; then
                COMPREPLY=( $(compgen -W "--project --dataset --dry-run --yes" -- ${cur}) )
            fi
            ;;
        watch)
            if [[ ${cur} == -* ]] ; then
                COMPREPLY=( $(compgen -W "--project --dataset" -- ${cur}) )
            else
                COMPREPLY=( $(compgen -d -- ${cur}) )
            fi
            ;;
        serve)
            if [[ ${cur} == -* ]] ; then
                COMPREPLY=( $(compgen -W "--addr" -- ${cur}) )
            fi
            ;;
        completion)
            if [ $COMP_CWORD -eq 2 ]; then
                COMPREPLY=( $(compgen -W "bash zsh fish" -- ${cur}) )
            fi
            ;;
    esac
}

complete -F _isle_completion isle
`

// zshCompletionTemplate is the zsh completion script for isle.
const zshCompletionTemplate = `#compdef isle

# Zsh completion script for isle
# Installation:
#   1. Ensure compinit is loaded (add to ~/.zshrc if not present):
#      autoload -U compinit; compinit
#   2. Save this script to a directory in your fpath:
#      isle completion zsh > "${fpath[1]}/_isle"
#   3. Reload completions:
#      rm -f ~/.zcompdump; compinit

_isle() {
    local -a commands
    commands=(
        'init:Write the default configuration file'
        'ingest:Index a local path or remote repository'
        'crawl:Crawl and index a documentation site'
        'query:Search the project collections'
        'scope:Show or pin auto-detected project scope'
        'jobs:List, inspect, or cancel jobs'
        'stats:Show per-project index statistics'
        'clear:Remove indexed data for a project'
        'watch:Re-ingest a path on file changes'
        'serve:Run the HTTP API and event stream'
        'completion:Generate shell completion script'
        'version:Show version information'
    )

    _arguments -C \
        '--json[Machine-readable JSON output]' \
        '(-q --quiet)'{-q,--quiet}'[Suppress progress output]' \
        '--no-color[Disable colored output]' \
        '--verbose[Enable debug logging]' \
        '--config[Path to config file]:config file:_files -g "*.yaml"' \
        '(- *)--version[Show version and exit]' \
        '1: :->command' \
        '*:: :->args'

    case $state in
        command)
            _describe 'command' commands
            ;;
        args)
            case $words[1] in
                ingest)
                    _arguments \
                        '--repo[Remote repository URL to clone and index]:url:' \
                        '--branch[Branch to check out]:branch:' \
                        '--sha[Commit to check out]:sha:' \
                        '--project[Explicit project id]:project:' \
                        '--dataset[Explicit dataset name]:dataset:' \
                        '--scope[Dataset scope]:scope:(project global shared)' \
                        '--force[Re-embed files even when unchanged]' \
                        '1:path:_files -/'
                    ;;
                crawl)
                    _arguments \
                        '--mode[Crawl mode]:mode:(single sitemap recursive)' \
                        '--max-pages[Page budget]:pages:' \
                        '--max-depth[Link depth from the seed]:depth:' \
                        '--same-domain[Only follow same-domain links]' \
                        '--allow[Allow URL regexp]:regexp:' \
                        '--deny[Deny URL regexp]:regexp:' \
                        '--project[Explicit project id]:project:' \
                        '--dataset[Explicit dataset name]:dataset:' \
                        '1:url:'
                    ;;
                query)
                    _arguments \
                        '--project[Project to query]:project:' \
                        '--dataset[Dataset names]:datasets:' \
                        '--top-k[Number of results]:k:' \
                        '--threshold[Minimum similarity score]:score:' \
                        '--path-prefix[Path filter]:prefix:' \
                        '--repo[Repository filter]:repo:' \
                        '--lang[Language filter]:lang:' \
                        '--include-global[Also search global and shared datasets]' \
                        '--content[Print chunk content]' \
                        '1:query:'
                    ;;
                jobs)
                    _arguments \
                        '1:subcommand:(list get cancel)'
                    ;;
                stats)
                    _arguments \
                        '--project[Project to inspect]:project:' \
                        '--all[List every known project]'
                    ;;
                clear)
                    _arguments \
                        '--project[Project to clear]:project:' \
                        '--dataset[Only clear this dataset]:dataset:' \
                        '--dry-run[Report without removing]' \
                        '--yes[Skip confirmation prompt]'
                    ;;
                watch)
                    _arguments \
                        '--project[Explicit project id]:project:' \
                        '--dataset[Explicit dataset name]:dataset:' \
                        '1:path:_files -/'
                    ;;
                serve)
                    _arguments \
                        '--addr[Listen address]:address:'
                    ;;
                completion)
                    _arguments \
                        '1:shell:(bash zsh fish)'
                    ;;
            esac
            ;;
    esac
}

_isle
`

// fishCompletionTemplate is the fish completion script for isle.
const fishCompletionTemplate = `# Fish completion script for isle
# Installation:
#   1. Load completions for current session:
#      isle completion fish | source
#   2. Install permanently:
#      isle completion fish > ~/.config/fish/completions/isle.fish

# Commands
complete -c isle -f -n "__fish_use_subcommand" -a "init" -d "Write the default configuration file"
complete -c isle -f -n "__fish_use_subcommand" -a "ingest" -d "Index a local path or remote repository"
complete -c isle -f -n "__fish_use_subcommand" -a "crawl" -d "Crawl and index a documentation site"
complete -c isle -f -n "__fish_use_subcommand" -a "query" -d "Search the project collections"
complete -c isle -f -n "__fish_use_subcommand" -a "scope" -d "Show or pin auto-detected project scope"
complete -c isle -f -n "__fish_use_subcommand" -a "jobs" -d "List, inspect, or cancel jobs"
complete -c isle -f -n "__fish_use_subcommand" -a "stats" -d "Show per-project index statistics"
complete -c isle -f -n "__fish_use_subcommand" -a "clear" -d "Remove indexed data for a project"
complete -c isle -f -n "__fish_use_subcommand" -a "watch" -d "Re-ingest a path on file changes"
complete -c isle -f -n "__fish_use_subcommand" -a "serve" -d "Run the HTTP API and event stream"
complete -c isle -f -n "__fish_use_subcommand" -a "completion" -d "Generate shell completion script"
complete -c isle -f -n "__fish_use_subcommand" -a "version" -d "Show version information"

# Global flags
complete -c isle -l json -d "Machine-readable JSON output"
complete -c isle -s q -l quiet -d "Suppress progress output"
complete -c isle -l no-color -d "Disable colored output"
complete -c isle -l verbose -d "Enable debug logging"
complete -c isle -l config -d "Path to config file" -r
complete -c isle -l version -d "Show version and exit"

# ingest command flags
complete -c isle -n "__fish_seen_subcommand_from ingest" -l repo -d "Remote repository URL" -r
complete -c isle -n "__fish_seen_subcommand_from ingest" -l branch -d "Branch to check out" -r
complete -c isle -n "__fish_seen_subcommand_from ingest" -l sha -d "Commit to check out" -r
complete -c isle -n "__fish_seen_subcommand_from ingest" -l project -d "Explicit project id" -r
complete -c isle -n "__fish_seen_subcommand_from ingest" -l dataset -d "Explicit dataset name" -r
complete -c isle -n "__fish_seen_subcommand_from ingest" -l scope -d "Dataset scope" -xa "project global shared"
complete -c isle -n "__fish_seen_subcommand_from ingest" -l force -d "Re-embed files even when unchanged"

# crawl command flags
complete -c isle -n "__fish_seen_subcommand_from crawl" -l mode -d "Crawl mode" -xa "single sitemap recursive"
complete -c isle -n "__fish_seen_subcommand_from crawl" -l max-pages -d "Page budget" -r
complete -c isle -n "__fish_seen_subcommand_from crawl" -l max-depth -d "Link depth from the seed" -r
complete -c isle -n "__fish_seen_subcommand_from crawl" -l same-domain -d "Only follow same-domain links"
complete -c isle -n "__fish_seen_subcommand_from crawl" -l allow -d "Allow URL regexp" -r
complete -c isle -n "__fish_seen_subcommand_from crawl" -l deny -d "Deny URL regexp" -r

# query command flags
complete -c isle -n "__fish_seen_subcommand_from query" -l project -d "Project to query" -r
complete -c isle -n "__fish_seen_subcommand_from query" -l top-k -d "Number of results" -r
complete -c isle -n "__fish_seen_subcommand_from query" -l include-global -d "Also search global and shared datasets"
complete -c isle -n "__fish_seen_subcommand_from query" -l content -d "Print chunk content"

# jobs subcommands
complete -c isle -n "__fish_seen_subcommand_from jobs" -f -a "list" -d "List jobs"
complete -c isle -n "__fish_seen_subcommand_from jobs" -f -a "get" -d "Show one job"
complete -c isle -n "__fish_seen_subcommand_from jobs" -f -a "cancel" -d "Cancel a job"

# clear command flags
complete -c isle -n "__fish_seen_subcommand_from clear" -l project -d "Project to clear" -r
complete -c isle -n "__fish_seen_subcommand_from clear" -l dataset -d "Only clear this dataset" -r
complete -c isle -n "__fish_seen_subcommand_from clear" -l dry-run -d "Report without removing"
complete -c isle -n "__fish_seen_subcommand_from clear" -l yes -d "Skip confirmation prompt"

# serve command flags
complete -c isle -n "__fish_seen_subcommand_from serve" -l addr -d "Listen address" -r

# completion command arguments
complete -c isle -n "__fish_seen_subcommand_from completion" -f -a "bash" -d "Generate bash completion script"
complete -c isle -n "__fish_seen_subcommand_from completion" -f -a "zsh" -d "Generate zsh completion script"
complete -c isle -n "__fish_seen_subcommand_from completion" -f -a "fish" -d "Generate fish completion script"
`

// runCompletion prints a shell completion script for bash, zsh, or
// fish to stdout.
func runCompletion(args []string) {
	fs := flag.NewFlagSet("completion", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: isle completion <shell>

Generates a shell completion script for bash, zsh, or fish.

Examples:
  source <(isle completion bash)
  isle completion zsh > "${fpath[1]}/_isle"
  isle completion fish > ~/.config/fish/completions/isle.fish

`)
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	if fs.NArg() != 1 {
		errors.FatalError(errors.NewInputError(
			"Invalid arguments",
			"The completion command requires exactly one argument: the shell name",
			"Run 'isle completion bash', 'isle completion zsh', or 'isle completion fish'",
		), false)
	}

	switch shell := fs.Arg(0); shell {
	case "bash":
		fmt.Print(bashCompletionTemplate)
	case "zsh":
		fmt.Print(zshCompletionTemplate)
	case "fish":
		fmt.Print(fishCompletionTemplate)
	default:
		errors.FatalError(errors.NewInputError(
			"Unsupported shell",
			fmt.Sprintf("Shell '%s' is not supported. Valid options: bash, zsh, fish", shell),
			"Run 'isle completion bash', 'isle completion zsh', or 'isle completion fish'",
		), false)
	}
}
