package idx

// Service identifies a social identity provider. The enumeration is closed
// with ServiceOther as the forward-compatibility fallback for provider types
// newer than this client.
type Service int

const (
	ServiceOther Service = iota
	ServiceApple
	ServiceFacebook
	ServiceGoogle
	ServiceLinkedIn
	ServiceMicrosoft
	ServiceOkta
	ServiceOIDC
	ServiceSAML
)

var serviceNames = map[string]Service{
	"APPLE":     ServiceApple,
	"FACEBOOK":  ServiceFacebook,
	"GOOGLE":    ServiceGoogle,
	"LINKEDIN":  ServiceLinkedIn,
	"MICROSOFT": ServiceMicrosoft,
	"OKTA":      ServiceOkta,
	"OIDC":      ServiceOIDC,
	"SAML2":     ServiceSAML,
}

// ServiceOf maps a protocol idp-type string to its Service, degrading to
// ServiceOther for unknown providers.
func ServiceOf(idpType string) Service {
	if s, ok := serviceNames[idpType]; ok {
		return s
	}
	return ServiceOther
}

// String implements fmt.Stringer.
func (s Service) String() string {
	switch s {
	case ServiceApple:
		return "apple"
	case ServiceFacebook:
		return "facebook"
	case ServiceGoogle:
		return "google"
	case ServiceLinkedIn:
		return "linkedin"
	case ServiceMicrosoft:
		return "microsoft"
	case ServiceOkta:
		return "okta"
	case ServiceOIDC:
		return "oidc"
	case ServiceSAML:
		return "saml"
	default:
		return "other"
	}
}

// SocialIDP is the social login capability on a redirect-idp remediation:
// the caller sends the user's browser to RedirectURL and resumes the
// workflow when the provider redirects back.
type SocialIDP struct {
	ID      string
	Name    string
	Service Service

	// RedirectURL is the provider authorization URL the user agent must
	// visit.
	RedirectURL string
}

func (*SocialIDP) remediationCapability() {}
