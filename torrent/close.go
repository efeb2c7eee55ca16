package torrent

func (t *Torrent) close() {
	if t.acceptor != nil {
		t.acceptor.Close()
	}
	if t.verifier != nil {
		t.verifier.Close()
	}
	for _, s := range t.sessions {
		s.Close()
	}
	for _, s := range t.sessions {
		<-s.Done()
	}
	t.cancelWrites()
	t.writers.Wait()
	for i, buf := range t.staging {
		buf.Release()
		delete(t.staging, i)
	}
	if t.resumer != nil {
		t.closeErr = t.resumer.WriteStats(t.transferStats())
		if t.closeErr != nil {
			t.log.Errorln("cannot write resume stats:", t.closeErr)
		}
	}
	t.events.close()
	t.metrics.Close()
	t.log.Info("torrent is closed")
}
