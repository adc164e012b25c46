package borg

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/borg/internal/envelope"
	"github.com/nextlevelbuilder/borg/internal/queue"
	"github.com/nextlevelbuilder/borg/internal/state"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print queue depths and thread registry, read-only",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(resolveBorgDir())
		},
	}
}

func runStatus(dir string) error {
	q := queue.New(filepath.Join(dir, "queue"))
	st := state.New(dir, "", nil)

	fmt.Println("queues")
	printQueueTable(q)

	fmt.Println()
	fmt.Println("threads")
	printThreadTable(st.LoadThreads())

	return nil
}

func printQueueTable(q *queue.Dirs) {
	dirs := []string{queue.DirIncoming, queue.DirProcessing, queue.DirOutgoing, queue.DirDeadLetter, queue.DirCommands, queue.DirStatus}
	rows := make([][2]string, 0, len(dirs))
	for _, d := range dirs {
		files, err := q.List(d)
		count := len(files)
		if err != nil {
			count = 0
		}
		rows = append(rows, [2]string{d, fmt.Sprintf("%d", count)})
	}
	printTable([]string{"dir", "count"}, rows)
}

func printThreadTable(threads map[int]*envelope.Thread) {
	ordered := make([]*envelope.Thread, 0, len(threads))
	for _, t := range threads {
		ordered = append(ordered, t)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	rows := make([][2]string, 0, len(ordered))
	for _, t := range ordered {
		label := t.Name
		if t.IsMaster {
			label += " (master)"
		}
		rows = append(rows, [2]string{fmt.Sprintf("%d", t.ID), fmt.Sprintf("%s  model=%s  dir=%s", label, t.Model, t.WorkingDir)})
	}
	printTable([]string{"id", "thread"}, rows)
}

// printTable renders a two-column table, padding on display width rather
// than byte length so wide runes in thread names still line up.
func printTable(header []string, rows [][2]string) {
	col0 := runewidth.StringWidth(header[0])
	for _, r := range rows {
		if w := runewidth.StringWidth(r[0]); w > col0 {
			col0 = w
		}
	}

	printRow := func(a, b string) {
		pad := col0 - runewidth.StringWidth(a)
		if pad < 0 {
			pad = 0
		}
		fmt.Printf("  %s%s  %s\n", a, strings.Repeat(" ", pad), b)
	}

	printRow(header[0], header[1])
	printRow(strings.Repeat("-", col0), strings.Repeat("-", 5))
	for _, r := range rows {
		printRow(r[0], r[1])
	}
}
