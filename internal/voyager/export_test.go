package voyager

// ExpireProbe posts a deadline for id as if its timer had fired.
func (c *Controller) ExpireProbe(id uint64) {
	c.post(event{kind: evTimeout, id: id})
}
