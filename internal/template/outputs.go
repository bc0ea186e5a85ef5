package template

import (
	"path"
	"strings"

	"github.com/weftlabs/weft/internal/filepattern"
	"github.com/weftlabs/weft/internal/markdownfile"
	"github.com/weftlabs/weft/internal/types"
)

// OutputFile is one planned artifact of a render pass. Planning is pure;
// writing the files is the caller's job.
type OutputFile struct {
	Path    string
	Content []byte
}

// Plan resolves the template's outputs against the snapshot, in declaration
// order. A literal output gets the rendered template; a glob output (any
// path containing '*') expands to one frontmatter file per issue, named by
// the template's filePattern.
func (t *Template) Plan(rc *RenderContext) ([]OutputFile, error) {
	outputs := t.Config.Outputs
	if len(outputs) == 0 {
		outputs = []string{"TODO.md"}
	}

	pattern, err := filepattern.Compile(t.Config.FilePattern)
	if err != nil {
		return nil, err
	}

	var files []OutputFile
	for _, out := range outputs {
		if !strings.Contains(out, "*") {
			files = append(files, OutputFile{
				Path:    out,
				Content: []byte(t.Render(rc)),
			})
			continue
		}
		dir := path.Dir(out)
		for _, issue := range rc.issues {
			content, err := t.planIssueFile(rc, issue)
			if err != nil {
				return nil, err
			}
			name := pattern.Format(filepattern.ValuesFor(issue))
			files = append(files, OutputFile{
				Path:    path.Join(dir, name),
				Content: content,
			})
		}
	}
	return files, nil
}

// planIssueFile emits the canonical frontmatter file for one issue,
// carrying its blocks edges in both directions.
func (t *Template) planIssueFile(rc *RenderContext, issue *types.Issue) ([]byte, error) {
	var dependsOn, blocks []string
	for _, e := range rc.edges {
		if e.Kind != types.DepBlocks {
			continue
		}
		if e.To == issue.ID {
			dependsOn = append(dependsOn, e.From)
		}
		if e.From == issue.ID {
			blocks = append(blocks, e.To)
		}
	}
	return markdownfile.EmitIssue(issue, dependsOn, blocks)
}
