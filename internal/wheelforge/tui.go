package wheelforge

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"github.com/ulikunitz/xz"
	"golang.org/x/term"
)

type buildLog struct {
	pkg      string
	path     string
	content  string
	archived bool // xz-compressed log from a finished build
}

var (
	logApp        *tview.Application
	logEntries    []buildLog
	logActiveIdx  int
	logPrevIdx    int
	logHeaderBox  *tview.TextView
	logBodyView   *tview.TextView
	logFooterBox  *tview.TextView
	logUpdateChan chan []buildLog
	logPrevBody   map[string]string
	logAutoScroll bool
)

// RunLogViewer opens an interactive viewer over every build log in the log
// directory, tabbing between packages with left/right. Live logs refresh in
// place so an in-progress build can be watched from another session.
func RunLogViewer(env *BuildEnv) int {
	logUpdateChan = make(chan []buildLog, 10)
	logPrevBody = make(map[string]string)
	logPrevIdx = -1

	logApp = tview.NewApplication()

	logHeaderBox = tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false).
		SetTextAlign(tview.AlignLeft)
	logHeaderBox.SetBorder(true)
	logHeaderBox.SetTitle("wheelforge Build Log Viewer")

	logBodyView = tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false).
		SetScrollable(true).
		SetChangedFunc(func() {
			logApp.Draw()
		})
	logBodyView.SetBorder(true)

	logFooterBox = tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(true).
		SetTextAlign(tview.AlignLeft)
	logFooterBox.SetBorder(true)

	flex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(logHeaderBox, 3, 0, false).
		AddItem(logBodyView, 0, 1, true).
		AddItem(logFooterBox, 3, 0, false)

	flex.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyCtrlQ, tcell.KeyEsc:
			logApp.Stop()
			return nil
		case tcell.KeyLeft:
			switchLog(-1)
			return nil
		case tcell.KeyRight:
			switchLog(1)
			return nil
		case tcell.KeyHome:
			logBodyView.ScrollToBeginning()
			return nil
		case tcell.KeyEnd:
			logBodyView.ScrollToEnd()
			return nil
		case tcell.KeyUp:
			row, _ := logBodyView.GetScrollOffset()
			if row > 0 {
				logBodyView.ScrollTo(row-1, 0)
			}
			return nil
		case tcell.KeyDown:
			row, _ := logBodyView.GetScrollOffset()
			logBodyView.ScrollTo(row+1, 0)
			return nil
		case tcell.KeyPgUp:
			row, _ := logBodyView.GetScrollOffset()
			if row > 10 {
				logBodyView.ScrollTo(row-10, 0)
			} else {
				logBodyView.ScrollToBeginning()
			}
			return nil
		case tcell.KeyPgDn:
			row, _ := logBodyView.GetScrollOffset()
			logBodyView.ScrollTo(row+10, 0)
			return nil
		case tcell.KeyRune:
			switch event.Rune() {
			case 'q':
				logApp.Stop()
				return nil
			case 'h':
				switchLog(-1)
				return nil
			case 'l':
				switchLog(1)
				return nil
			}
		}
		return event
	})

	go func() {
		ticker := time.NewTicker(400 * time.Millisecond)
		defer ticker.Stop()
		for range ticker.C {
			entries := readBuildLogs(env)
			select {
			case logUpdateChan <- entries:
			default:
			}
		}
	}()

	go func() {
		for entries := range logUpdateChan {
			var currentPath string
			if logActiveIdx < len(logEntries) {
				currentPath = logEntries[logActiveIdx].path
			}
			logEntries = entries
			if currentPath != "" {
				found := false
				for i, e := range logEntries {
					if e.path == currentPath {
						logActiveIdx = i
						found = true
						break
					}
				}
				if !found && logActiveIdx >= len(logEntries) && len(logEntries) > 0 {
					logActiveIdx = len(logEntries) - 1
				}
			}
			logApp.QueueUpdateDraw(func() {
				refreshLogView()
			})
		}
	}()

	logApp.SetRoot(flex, true).SetFocus(logBodyView)

	logEntries = readBuildLogs(env)
	if len(logEntries) > 0 {
		logActiveIdx = 0
	}
	refreshLogView()

	if err := logApp.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "log viewer:", err)
		return 1
	}
	return 0
}

func switchLog(delta int) {
	if len(logEntries) == 0 {
		return
	}
	logActiveIdx = (logActiveIdx + delta + len(logEntries)) % len(logEntries)
	logAutoScroll = true
	refreshLogView()
}

func refreshLogView() {
	if logApp == nil || logHeaderBox == nil || logBodyView == nil || logFooterBox == nil {
		return
	}

	if len(logEntries) == 0 {
		logHeaderBox.SetText("[gray]No build logs found[white]")
		logBodyView.SetText("No build log yet. Run 'wheelforge run' to start building.")
	} else if logActiveIdx < len(logEntries) {
		entry := logEntries[logActiveIdx]
		title := fmt.Sprintf("Log %d/%d: %s", logActiveIdx+1, len(logEntries), entry.pkg)
		if entry.archived {
			title += " [yellow](finished)[white]"
		} else {
			title += " [green](building)[white]"
		}
		logHeaderBox.SetText(fmt.Sprintf("[gray]%s[white]", title))

		prevBody, hadPrev := logPrevBody[entry.path]
		switched := logPrevIdx != logActiveIdx
		if switched {
			logPrevIdx = logActiveIdx
		}
		if entry.content != prevBody || switched {
			row, _ := logBodyView.GetScrollOffset()
			wasAtBottom := false
			if !switched && hadPrev {
				logBodyView.ScrollTo(row+1, 0)
				newRow, _ := logBodyView.GetScrollOffset()
				wasAtBottom = newRow == row
				logBodyView.ScrollTo(row, 0)
			}
			logBodyView.Clear()
			ansiWriter := tview.ANSIWriter(logBodyView)
			ansiWriter.Write([]byte(entry.content))
			if switched || logAutoScroll || wasAtBottom {
				logBodyView.ScrollToEnd()
				logAutoScroll = false
			} else if hadPrev {
				logBodyView.ScrollTo(row, 0)
			}
			logPrevBody[entry.path] = entry.content
		}
	}

	logFooterBox.SetText("[gray]'q'/Esc quit | ← → (or h/l) switch package | ↑ ↓ scroll | Home/End jump[white]")
}

// readBuildLogs collects every log under the log directory, newest first.
// Archived xz logs from finished builds are decompressed on the fly.
func readBuildLogs(env *BuildEnv) []buildLog {
	var paths []string
	live, _ := filepath.Glob(filepath.Join(env.LogDir, "*.log"))
	archived, _ := filepath.Glob(filepath.Join(env.LogDir, "*.log.xz"))
	paths = append(paths, live...)
	paths = append(paths, archived...)
	if len(paths) == 0 {
		return nil
	}

	sort.Slice(paths, func(i, j int) bool {
		ai, err1 := os.Stat(paths[i])
		aj, err2 := os.Stat(paths[j])
		if err1 != nil || err2 != nil {
			return paths[i] > paths[j]
		}
		return ai.ModTime().After(aj.ModTime())
	})

	logs := make([]buildLog, 0, len(paths))
	for _, path := range paths {
		content, err := readLogFile(path)
		if err != nil {
			content = fmt.Sprintf("failed to read log: %v", err)
		}
		base := filepath.Base(path)
		isXz := strings.HasSuffix(base, ".xz")
		pkg := strings.TrimSuffix(strings.TrimSuffix(base, ".xz"), ".log")
		logs = append(logs, buildLog{
			pkg:      pkg,
			path:     path,
			content:  content,
			archived: isXz,
		})
	}
	return logs
}

func readLogFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".xz") {
		xzReader, err := xz.NewReader(f)
		if err != nil {
			return "", err
		}
		r = xzReader
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ShowPackageLog dumps one package's log through a scrollable pager, or
// straight to stdout when not on a terminal.
func ShowPackageLog(env *BuildEnv, pkg string) error {
	path := filepath.Join(env.LogDir, pkg+".log")
	if _, err := os.Stat(path); err != nil {
		path += ".xz"
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("%w: no build log for %s", errPackageNotFound, pkg)
		}
	}
	content, err := readLogFile(path)
	if err != nil {
		return err
	}
	return RunPager(pkg+" build log", strings.Split(strings.TrimRight(content, "\n"), "\n"))
}

// RunPager displays lines in a scrollable view when stdout is a TTY and the
// content overflows the terminal; otherwise it prints them plainly.
func RunPager(title string, lines []string) error {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		for _, line := range lines {
			fmt.Println(line)
		}
		return nil
	}

	_, height, err := term.GetSize(fd)
	if err == nil && len(lines) <= height-2 {
		for _, line := range lines {
			fmt.Println(line)
		}
		return nil
	}

	app := tview.NewApplication()

	textView := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetWrap(false)
	textView.SetBorder(true).SetTitle(" " + title + " ")

	ansiWriter := tview.ANSIWriter(textView)
	fmt.Fprint(ansiWriter, strings.Join(lines, "\n"))

	footer := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter).
		SetText("[gray]Use ↑/↓, PgUp/PgDn, Home/End to scroll. Press 'q' or 'Esc' to quit.[white]")

	flex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(textView, 0, 1, true).
		AddItem(footer, 1, 0, false)

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyEsc, tcell.KeyCtrlQ:
			app.Stop()
			return nil
		case tcell.KeyRune:
			if event.Rune() == 'q' {
				app.Stop()
				return nil
			}
		}
		return event
	})

	if err := app.SetRoot(flex, true).SetFocus(textView).Run(); err != nil {
		return fmt.Errorf("pager execution failed: %w", err)
	}
	return nil
}
