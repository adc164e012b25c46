package queue

import (
	"encoding/json"
	"os"

	"github.com/nextlevelbuilder/borg/internal/envelope"
)

// DrainCommands reads every command file, invokes handle for each, and
// deletes the file afterward regardless of outcome — the scheduler
// never retries a command (spec §4.10).
func (d *Dirs) DrainCommands(handle func(envelope.Command)) error {
	files, err := d.List(DirCommands)
	if err != nil {
		return err
	}
	for _, f := range files {
		data, err := os.ReadFile(f.Path)
		if err == nil {
			var cmd envelope.Command
			if json.Unmarshal(data, &cmd) == nil {
				handle(cmd)
			}
			// malformed commands are silently ignored (spec §4.10)
		}
		os.Remove(f.Path) // deleted on completion, successful or not
	}
	return nil
}
