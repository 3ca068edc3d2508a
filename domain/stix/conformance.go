package stix

// ConformToSpecVersion normalizes an object payload to the requested
// interchange-format version. STIX 2.0 has no per-object spec_version and
// models software families through labels; STIX 2.1 tags every object and
// uses the is_family flag instead.
func ConformToSpecVersion(e *Envelope, specVersion string) {
	switch specVersion {
	case SpecVersion20:
		e.SpecVersion = ""
		if IsSoftware(e.Type) {
			e.IsFamily = nil
			if len(e.Labels) == 0 {
				e.Labels = []string{string(e.Type)}
			}
		}
	case SpecVersion21:
		e.SpecVersion = SpecVersion21
		if IsSoftware(e.Type) {
			e.Labels = nil
			if e.IsFamily == nil {
				isFamily := e.Type == TypeMalware
				e.IsFamily = &isFamily
			}
		}
	}
	dropEmptyLists(e)
}

// dropEmptyLists nils out zero-length list attributes so serialized
// objects omit them entirely instead of emitting empty arrays.
func dropEmptyLists(e *Envelope) {
	if len(e.Labels) == 0 {
		e.Labels = nil
	}
	if len(e.Aliases) == 0 {
		e.Aliases = nil
	}
	if len(e.ExternalReferences) == 0 {
		e.ExternalReferences = nil
	}
	if len(e.ObjectMarkingRefs) == 0 {
		e.ObjectMarkingRefs = nil
	}
	if len(e.Domains) == 0 {
		e.Domains = nil
	}
	if len(e.Platforms) == 0 {
		e.Platforms = nil
	}
	if len(e.AnalyticRefs) == 0 {
		e.AnalyticRefs = nil
	}
	if len(e.ObjectRefs) == 0 {
		e.ObjectRefs = nil
	}
	if len(e.Contents) == 0 {
		e.Contents = nil
	}
}
