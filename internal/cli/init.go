package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	initTemplate string
	initForce    bool
)

var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Initialize a new fngate project",
	Long: `Initialize a new fngate project with a starter template.

Creates:
  - fngate.yaml      Configuration file
  - functions/       One endpoint per file

Templates:
  node     JavaScript functions run with node (default)
  python   Python functions run with python3`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVarP(&initTemplate, "template", "t", "node", "Project template (node, python)")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing files")

	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	projectDir := "."
	if len(args) > 0 {
		projectDir = args[0]
	}

	tmpl, err := validateTemplate(initTemplate)
	if err != nil {
		return err
	}

	if err := prepareProjectDir(projectDir, tmpl, initForce); err != nil {
		return err
	}

	if err := writeTemplateFiles(projectDir, tmpl); err != nil {
		return err
	}

	if err := writeGitignore(projectDir); err != nil {
		return err
	}

	printSuccessMessage(cmd.OutOrStdout(), projectDir, tmpl.Name)
	return nil
}

// Template is a starter project.
type Template struct {
	Name        string
	Description string
	Files       map[string]string
}

func validateTemplate(name string) (*Template, error) {
	templates := getTemplates()
	tmpl, ok := templates[name]
	if !ok {
		names := make([]string, 0, len(templates))
		for n := range templates {
			names = append(names, n)
		}
		sort.Strings(names)
		return nil, fmt.Errorf("unknown template: %s (available: %s)", name, strings.Join(names, ", "))
	}
	return tmpl, nil
}

func prepareProjectDir(projectDir string, tmpl *Template, force bool) error {
	if projectDir != "." {
		if err := os.MkdirAll(projectDir, 0o755); err != nil {
			return fmt.Errorf("creating project directory: %w", err)
		}
		log.Info().Str("directory", projectDir).Msg("Created project directory")
	}

	if !force {
		if existing := checkExistingFiles(projectDir, tmpl); len(existing) > 0 {
			return fmt.Errorf("files already exist: %s (use --force to overwrite)", strings.Join(existing, ", "))
		}
	}
	return nil
}

func writeTemplateFiles(projectDir string, tmpl *Template) error {
	names := make([]string, 0, len(tmpl.Files))
	for name := range tmpl.Files {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := writeTemplateFile(projectDir, name, tmpl.Files[name]); err != nil {
			return err
		}
		log.Info().Str("file", name).Msg("Created")
	}
	return nil
}

func writeTemplateFile(projectDir, filename, content string) error {
	filePath := filepath.Join(projectDir, filepath.FromSlash(filename))
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", filename, err)
	}
	return os.WriteFile(filePath, []byte(content), 0o644)
}

func writeGitignore(projectDir string) error {
	path := filepath.Join(projectDir, ".gitignore")
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	content := `# Dependencies
node_modules/
__pycache__/

# Environment
.env
.env.local

# Logs
*.log

# IDE
.idea/
.vscode/
*.swp
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing .gitignore: %w", err)
	}
	log.Info().Str("file", ".gitignore").Msg("Created")
	return nil
}

func printSuccessMessage(out io.Writer, projectDir, templateName string) {
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Project initialized with %q template\n", templateName)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Next steps:")
	if projectDir != "." {
		fmt.Fprintf(out, "  cd %s\n", projectDir)
	}
	fmt.Fprintln(out, "  fngate dev                       # Start with reload on change")
	fmt.Fprintln(out, "  curl 'localhost:8170/hello/?name=you'")
	fmt.Fprintln(out)
}

func checkExistingFiles(dir string, tmpl *Template) []string {
	var existing []string
	for f := range tmpl.Files {
		if _, err := os.Stat(filepath.Join(dir, filepath.FromSlash(f))); err == nil {
			existing = append(existing, f)
		}
	}
	sort.Strings(existing)
	return existing
}

func getTemplates() map[string]*Template {
	return map[string]*Template{
		"node": {
			Name:        "node",
			Description: "JavaScript functions run with node",
			Files: map[string]string{
				"fngate.yaml":                  configYAML,
				"functions/hello.js":           nodeHello,
				"functions/items.js":           nodeItems,
				"functions/tasks/cleanup.js":   nodeCleanup,
				"functions/tasks/cleanup.yaml": cleanupManifest,
			},
		},
		"python": {
			Name:        "python",
			Description: "Python functions run with python3",
			Files: map[string]string{
				"fngate.yaml":                  configYAML,
				"functions/hello.py":           pythonHello,
				"functions/tasks/cleanup.py":   pythonCleanup,
				"functions/tasks/cleanup.yaml": cleanupManifest,
			},
		},
	}
}

const configYAML = `# fngate configuration
#
# Every key can be overridden from the environment with the FNGATE_ prefix,
# e.g. FNGATE_SERVER_PORT=9000. Values may reference ${VAR} or ${VAR:-default}.

server:
  host: localhost
  port: 8170
  # Serve /_/health, /_/functions, /_/metrics and friends
  admin: true
  compression: true

functions:
  path: functions
  ignore:
    - "**/node_modules"
    - "**/__pycache__"
  # env:
  #   DATABASE_URL: ${DATABASE_URL}

gateway:
  timeout: 10s
  # Background (_background) calls run to completion unless bounded here.
  # background_timeout: 5m
  max_body_size: 8388608
  # Keys handed to functions that declare them with @keys.
  # FNGATE_KEY_<NAME> environment variables are read as well.
  # keys:
  #   STRIPE_SECRET: ${STRIPE_SECRET}

origins:
  # Empty allows every origin
  allow: []
  # rule: 'allowed || origin.endsWith(".example.com")'

auth:
  enabled: false
  # required: true
  # jwt:
  #   secret: ${JWT_SECRET}
  #   issuer: fngate

rate_limit:
  enabled: false
  unauthenticated:
    max: 60
    window: 1m
  authenticated:
    max: 600
    window: 1m

logging:
  level: info
  format: console
`

const nodeHello = `/**
 * Greets someone by name.
 * @param {string} [name=world] Who to greet
 * @returns {string}
 */
module.exports = async (name) => {
  return ` + "`Hello, ${name}!`" + `;
};
`

const nodeItems = `const items = [];

/**
 * Lists stored items.
 * @returns {array}
 */
export async function GET() {
  return items;
}

/**
 * Stores an item.
 * @param {string} title
 * @param {boolean} [done=false]
 * @returns {object}
 */
export async function POST(title, done) {
  const item = { id: items.length + 1, title, done };
  items.push(item);
  return item;
}
`

const nodeCleanup = `/**
 * Removes stale records. Runs on the schedule in cleanup.yaml.
 * @param {integer} [olderThanDays=30]
 * @returns {object}
 */
module.exports = async (olderThanDays) => {
  return { removed: 0, olderThanDays };
};
`

const pythonHello = `# Greets someone by name.
# @param {string} [name=world] Who to greet
# @returns {string}
def handler(name):
    return f"Hello, {name}!"
`

const pythonCleanup = `# Removes stale records. Runs on the schedule in cleanup.yaml.
# @param {integer} [olderThanDays=30]
# @returns {object}
def handler(olderThanDays):
    return {"removed": 0, "olderThanDays": olderThanDays}
`

const cleanupManifest = `timeout: 1m
schedules:
  - name: nightly
    expression: "0 3 * * *"
    timezone: UTC
    params:
      olderThanDays: 30
  - name: hourly-light
    type: interval
    expression: 1h
    params:
      olderThanDays: 1
`
