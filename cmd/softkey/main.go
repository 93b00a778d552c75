// Command softkey runs a simulated USB security key.
package main

func main() {
	Execute()
}
