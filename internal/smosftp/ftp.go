// Package smosftp mirrors the SMOS level 2 soil moisture archive from the
// ESA dissemination service using lftp.
package smosftp

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/TUW-GEO/smos/internal/overview"
	"github.com/TUW-GEO/smos/internal/product"
)

const (
	// Host is the ESA dissemination service.
	Host = "ftps://smos-diss.eo.esa.int"

	// RemoteRoot is the archive path of the level 2 soil moisture product.
	RemoteRoot = "/SMOS/L2SM/MIR_SMUDP2_nc"

	// CredentialsFile is looked up in the home directory.
	CredentialsFile = ".smosapirc"

	// registerURL is where accounts for the dissemination service are created.
	registerURL = "https://eoiam-idp.eo.esa.int"
)

// StartDate is the first day the service carries data for.
var StartDate = time.Date(2010, 6, 1, 0, 0, 0, 0, time.UTC)

// Client runs lftp against the dissemination service. Transfers mirror the
// remote year/month/day layout below the local root.
type Client struct {
	localRoot string
	username  string
	password  string
	dryRun    bool
	logger    *slog.Logger

	// run executes one lftp invocation and returns its combined output.
	run func(args []string) (string, error)
}

// New creates a client mirroring into localRoot. Empty credentials are read
// from the credentials file.
func New(localRoot, username, password string, dryRun bool, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if username == "" || password == "" {
		var err error
		username, password, err = LoadCredentials()
		if err != nil {
			return nil, err
		}
	}
	if err := checkLftp(); err != nil {
		return nil, err
	}
	return &Client{
		localRoot: localRoot,
		username:  username,
		password:  password,
		dryRun:    dryRun,
		logger:    logger,
		run:       runLftp,
	}, nil
}

// command assembles the lftp invocation around one ftp command. Certificate
// verification is off, the service presents a certificate lftp rejects.
func (c *Client) command(ftpCmd string) []string {
	script := strings.Join([]string{
		"open " + Host,
		"set ssl:verify-certificate no",
		fmt.Sprintf("user %s %s", c.username, c.password),
		ftpCmd,
		"quit",
	}, " && ")
	return []string{"lftp", "-c", script}
}

// Sync mirrors one day, or a whole month when day is zero. It returns the
// mirror command so dry runs can be inspected.
func (c *Client) Sync(year, month, day int, opts ...string) (string, error) {
	if month < 1 || month > 12 {
		return "", fmt.Errorf("smosftp: month %d out of range", month)
	}
	check := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if day == 0 {
		// Whole months validate against their last day.
		check = time.Date(year, time.Month(month)+1, 0, 0, 0, 0, 0, time.UTC)
	}
	if check.Before(StartDate) {
		return "", fmt.Errorf("smosftp: no data before %s", StartDate.Format(overview.DayLayout))
	}

	remote := fmt.Sprintf("%s/%04d/%02d", RemoteRoot, year, month)
	local := filepath.Join(c.localRoot, fmt.Sprintf("%04d", year), fmt.Sprintf("%02d", month))
	if day != 0 {
		remote = fmt.Sprintf("%s/%02d", remote, day)
		local = filepath.Join(local, fmt.Sprintf("%02d", day))
	}

	parts := append([]string{"mirror", "-c"}, opts...)
	parts = append(parts, remote, local, "--no-perms")
	cmd := strings.Join(parts, " ")

	if c.dryRun {
		c.logger.Info("Dry run", "cmd", cmd)
		return cmd, nil
	}
	if err := os.MkdirAll(local, 0o755); err != nil {
		return cmd, err
	}
	c.logger.Info("Mirroring", "remote", remote, "local", local)
	out, err := c.run(c.command(cmd))
	if err != nil {
		return cmd, fmt.Errorf("smosftp: mirroring %s: %w: %s", remote, err, strings.TrimSpace(out))
	}
	return cmd, nil
}

// SyncPeriod mirrors all days between start and end, both inclusive. Full
// calendar months transfer as one mirror call, partial months day by day.
// The covered period is recorded in the local overview sidecar.
func (c *Client) SyncPeriod(start, end time.Time, opts ...string) ([]string, error) {
	start = time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	end = time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, time.UTC)
	if end.Before(start) {
		return nil, fmt.Errorf("smosftp: period end %s before start %s",
			end.Format(overview.DayLayout), start.Format(overview.DayLayout))
	}

	var cmds []string
	for cursor := start; !cursor.After(end); {
		monthEnd := time.Date(cursor.Year(), cursor.Month()+1, 0, 0, 0, 0, 0, time.UTC)
		if cursor.Day() == 1 && !monthEnd.After(end) {
			cmd, err := c.Sync(cursor.Year(), int(cursor.Month()), 0, opts...)
			if err != nil {
				return cmds, err
			}
			cmds = append(cmds, cmd)
			cursor = monthEnd.AddDate(0, 0, 1)
			continue
		}
		cmd, err := c.Sync(cursor.Year(), int(cursor.Month()), cursor.Day(), opts...)
		if err != nil {
			return cmds, err
		}
		cmds = append(cmds, cmd)
		cursor = cursor.AddDate(0, 0, 1)
	}

	// Crawling the local tree beats trusting the request, partial transfers
	// shrink the recorded period. Dry runs leave no files and keep the
	// requested bounds.
	first, last := start, end
	if f, l, err := product.FirstLastDays(c.localRoot); err == nil {
		first, last = f, l
	}
	if err := os.MkdirAll(c.localRoot, 0o755); err != nil {
		return cmds, err
	}
	if err := overview.Write(c.localRoot, overview.Props{
		FirstDay: first.Format(overview.DayLayout),
		LastDay:  last.Format(overview.DayLayout),
	}); err != nil {
		return cmds, err
	}
	return cmds, nil
}

// List returns the entries below the remote archive path, directories with a
// trailing slash.
func (c *Client) List(sub ...string) ([]string, error) {
	p := path.Join(append([]string{RemoteRoot}, sub...)...)
	out, err := c.run(c.command("cls " + p))
	if err != nil {
		return nil, fmt.Errorf("smosftp: listing %s: %w: %s", p, err, strings.TrimSpace(out))
	}
	var entries []string
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			entries = append(entries, line)
		}
	}
	return entries, nil
}

// LastAvailableDay walks the newest year, month and day directories on the
// service.
func (c *Client) LastAvailableDay() (time.Time, error) {
	year, err := c.lastDirIn()
	if err != nil {
		return time.Time{}, err
	}
	month, err := c.lastDirIn(fmt.Sprintf("%04d", year))
	if err != nil {
		return time.Time{}, err
	}
	day, err := c.lastDirIn(fmt.Sprintf("%04d", year), fmt.Sprintf("%02d", month))
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC), nil
}

// ListAllAvailableDays crawls the remote year, month and day directories and
// returns every day between from and to, ascending.
func (c *Client) ListAllAvailableDays(from, to time.Time, progress bool) ([]time.Time, error) {
	years, err := c.dirsIn()
	if err != nil {
		return nil, err
	}
	var bar *progressbar.ProgressBar
	if progress {
		bar = progressbar.Default(int64(len(years)), "Scanning FTP folders")
	}
	var days []time.Time
	for _, year := range years {
		if year >= from.Year() && year <= to.Year() {
			months, err := c.dirsIn(fmt.Sprintf("%04d", year))
			if err != nil {
				return nil, err
			}
			for _, month := range months {
				first := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
				last := time.Date(year, time.Month(month)+1, 0, 0, 0, 0, 0, time.UTC)
				if last.Before(from) || first.After(to) {
					continue
				}
				nums, err := c.dirsIn(fmt.Sprintf("%04d", year), fmt.Sprintf("%02d", month))
				if err != nil {
					return nil, err
				}
				for _, n := range nums {
					day := time.Date(year, time.Month(month), n, 0, 0, 0, 0, time.UTC)
					if day.Before(from) || day.After(to) {
						continue
					}
					days = append(days, day)
				}
			}
		}
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	return days, nil
}

// dirsIn lists the numbered directories under a remote path, ascending.
func (c *Client) dirsIn(sub ...string) ([]int, error) {
	entries, err := c.List(sub...)
	if err != nil {
		return nil, err
	}
	var nums []int
	for _, e := range entries {
		name := strings.TrimSuffix(e, "/")
		if name == e {
			continue
		}
		n, err := strconv.Atoi(name)
		if err != nil {
			continue
		}
		nums = append(nums, n)
	}
	sort.Ints(nums)
	return nums, nil
}

func (c *Client) lastDirIn(sub ...string) (int, error) {
	nums, err := c.dirsIn(sub...)
	if err != nil {
		return 0, err
	}
	if len(nums) == 0 {
		return 0, fmt.Errorf("smosftp: no numbered directories under %s", path.Join(sub...))
	}
	return nums[len(nums)-1], nil
}

// LoadCredentials reads the dissemination service account from the
// credentials file in the home directory.
func LoadCredentials() (username, password string, err error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", "", err
	}
	return readCredentials(filepath.Join(home, CredentialsFile))
}

func readCredentials(p string) (username, password string, err error) {
	f, err := os.Open(p)
	if err != nil {
		return "", "", fmt.Errorf("smosftp: cannot read credentials: %w, register at %s and store the account in ~/%s", err, registerURL, CredentialsFile)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, val, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		switch strings.TrimSpace(key) {
		case "DISSEO_USERNAME":
			username = val
		case "DISSEO_PASSWORD":
			password = val
		}
	}
	if err := sc.Err(); err != nil {
		return "", "", err
	}
	if username == "" || password == "" {
		return "", "", fmt.Errorf("smosftp: %s is missing DISSEO_USERNAME or DISSEO_PASSWORD, register at %s", p, registerURL)
	}
	return username, password, nil
}

// checkLftp verifies the lftp binary is installed.
func checkLftp() error {
	if _, err := exec.LookPath("lftp"); err != nil {
		return fmt.Errorf("smosftp: the lftp command is not available, install it from https://lftp.yar.ru/ or your package manager: %w", err)
	}
	return nil
}

// runLftp executes one lftp invocation.
func runLftp(args []string) (string, error) {
	out, err := exec.Command(args[0], args[1:]...).CombinedOutput()
	return string(out), err
}
