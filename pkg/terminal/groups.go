package terminal

type commandGroup uint8

const (
	otherCmds commandGroup = iota
	processCmds
	runCmds
	breakCmds
	dataCmds
	threadCmds
)

type commandGroupDescription struct {
	description string
	group       commandGroup
}

var commandGroupDescriptions = []commandGroupDescription{
	{"Starting and ending processes", processCmds},
	{"Running the program", runCmds},
	{"Manipulating breakpoints", breakCmds},
	{"Viewing and changing memory and registers", dataCmds},
	{"Listing and switching between processes, threads and modules", threadCmds},
	{"Other commands", otherCmds},
}
