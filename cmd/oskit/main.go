// Command oskit drives the kernel subsystems from the command line.
package main

func main() {
	execute()
}
