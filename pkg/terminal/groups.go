package terminal

type commandGroup uint8

const (
	otherCmds commandGroup = iota
	targetCmds
	scanCmds
	dataCmds
)

type commandGroupDescription struct {
	description string
	group       commandGroup
}

var commandGroupDescriptions = []commandGroupDescription{
	{"Connecting and selecting a process", targetCmds},
	{"Scanning memory", scanCmds},
	{"Reading and writing memory", dataCmds},
	{"Other commands", otherCmds},
}
