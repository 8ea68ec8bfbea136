// SPDX-License-Identifier: MPL-2.0

package issue

import (
	"slices"
	"strings"

	"github.com/charmbracelet/glamour"
	"golang.org/x/exp/maps"
)

type (
	// Id identifies a catalog entry.
	Id int

	// MarkdownMsg is catalog guidance rendered as Markdown.
	MarkdownMsg string

	// HttpLink is an external reference shown under "See also".
	HttpLink string

	// Issue is one catalog entry.
	Issue struct {
		id       Id
		mdMsg    MarkdownMsg
		docLinks []HttpLink
	}
)

const (
	ContainerEngineNotFoundId Id = iota + 1
	ProjectFileNotFoundId
	ProjectParseErrorId
	BuildStepFailedId
	SessionExecFailedId
	CommitPreconditionId
	MissingArtifactFilesId
	TagNotFoundId
	SessionNotFoundId
	ConfigLoadFailedId
)

var (
	render = glamour.Render

	containerEngineNotFoundIssue = &Issue{
		id: ContainerEngineNotFoundId,
		mdMsg: `
# No container engine available!

kiln needs Docker or Podman to build and run sessions, unless the
built-in virtual engine is selected.

## Things you can try:
- Install Podman or Docker and make sure the daemon/socket is reachable
- Select the virtual engine for local experiments:
~~~cue
container_engine: "virtual"
~~~`,
	}

	projectFileNotFoundIssue = &Issue{
		id: ProjectFileNotFoundId,
		mdMsg: `
# No kiln.cue found!

The build recipe, the training procedure and the named artifact files are
declared in a project file.

## Things you can try:
- Run kiln from the directory that contains kiln.cue
- Point to it explicitly:
~~~
$ kiln build -f path/to/kiln.cue
~~~`,
	}

	projectParseErrorIssue = &Issue{
		id: ProjectParseErrorId,
		mdMsg: `
# Failed to parse kiln.cue!

## Common issues:
- Invalid CUE syntax (missing quotes, braces, etc.)
- Unknown step kinds (valid: run, tool, copy, chown, env)
- A tool step without a source URL or build commands`,
	}

	buildStepFailedIssue = &Issue{
		id: BuildStepFailedId,
		mdMsg: `
# A build step failed!

No base artifact was published. Steps that completed before the failure are
cached and will not run again once the recipe is fixed.

## Things you can try:
- Fix the failing step in kiln.cue and re-run ` + "`kiln build`" + `
- Use ` + "`--no-cache`" + ` if an earlier cached step is suspected to be wrong`,
	}

	sessionExecFailedIssue = &Issue{
		id: SessionExecFailedId,
		mdMsg: `
# The command failed inside the session!

The session is now in the failed state and cannot be committed as is.

## Things you can try:
- Re-run a corrected command in the same session
- Discard it and start a fresh session from the same base:
~~~
$ kiln session discard <id>
$ kiln session start <base>
~~~`,
	}

	commitPreconditionIssue = &Issue{
		id: CommitPreconditionId,
		mdMsg: `
# Only successful sessions can be committed!

The most recent command in the session did not exit with status 0, or no
command has been run yet. Nothing was published.`,
	}

	missingArtifactFilesIssue = &Issue{
		id: MissingArtifactFilesId,
		mdMsg: `
# Named files are missing from the artifact!

The files listed above are produced only by a training session. An artifact
without them was most likely never trained to completion.

## Things you can try:
- Run ` + "`kiln train <base> --tag <name>`" + ` and extract from the new tag`,
	}

	tagNotFoundIssue = &Issue{
		id: TagNotFoundId,
		mdMsg: `
# Unknown tag!

## Things you can try:
- List the known tags with ` + "`kiln tags`" + `
- Pass a full artifact id instead of a tag`,
	}

	sessionNotFoundIssue = &Issue{
		id: SessionNotFoundId,
		mdMsg: `
# Unknown session!

No session record matches this id or prefix. Records of committed and
discarded sessions stay until ` + "`kiln session prune`" + ` removes them.

## Things you can try:
- List known sessions with ` + "`kiln session list`" + `
- Use at least 8 characters of the id`,
	}

	configLoadFailedIssue = &Issue{
		id: ConfigLoadFailedId,
		mdMsg: `
# Failed to load configuration!

## Things you can try:
- Check the syntax of ~/.config/kiln/config.cue
- Recreate it with ` + "`kiln config init`" + ``,
	}

	issues = map[Id]*Issue{
		containerEngineNotFoundIssue.Id(): containerEngineNotFoundIssue,
		projectFileNotFoundIssue.Id():     projectFileNotFoundIssue,
		projectParseErrorIssue.Id():       projectParseErrorIssue,
		buildStepFailedIssue.Id():         buildStepFailedIssue,
		sessionExecFailedIssue.Id():       sessionExecFailedIssue,
		commitPreconditionIssue.Id():      commitPreconditionIssue,
		missingArtifactFilesIssue.Id():    missingArtifactFilesIssue,
		tagNotFoundIssue.Id():             tagNotFoundIssue,
		sessionNotFoundIssue.Id():         sessionNotFoundIssue,
		configLoadFailedIssue.Id():        configLoadFailedIssue,
	}
)

// Id returns the catalog identifier.
func (i *Issue) Id() Id {
	return i.id
}

// MarkdownMsg returns the raw guidance text.
func (i *Issue) MarkdownMsg() MarkdownMsg {
	return i.mdMsg
}

// DocLinks returns a copy of the documentation links.
func (i *Issue) DocLinks() []HttpLink {
	return slices.Clone(i.docLinks)
}

// Render renders the entry for a terminal using the given glamour style.
func (i *Issue) Render(stylePath string) (string, error) {
	var md strings.Builder
	md.WriteString(string(i.mdMsg))
	if len(i.docLinks) > 0 {
		md.WriteString("\n\n## See also:\n")
		for _, link := range i.docLinks {
			md.WriteString("- [" + string(link) + "](" + string(link) + ")\n")
		}
	}
	return render(md.String(), stylePath)
}

// Ids returns every catalog identifier in ascending order.
func Ids() []Id {
	ids := maps.Keys(issues)
	slices.Sort(ids)
	return ids
}

// Get returns the catalog entry for id, or nil.
func Get(id Id) *Issue {
	return issues[id]
}
