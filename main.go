// Command rentalcrawler crawls a car-rental listing site into resumable
// JSON snapshots.
package main

import (
	"github.com/JakeFAU/rental-crawler/cmd"
)

func main() {
	cmd.Execute()
}
