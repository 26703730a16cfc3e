// Command beammon runs the FE-I4 beam monitor daemon and its clients.
package main

func main() {
	Execute()
}
