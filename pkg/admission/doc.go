// Package admission checks policy creation requests against rules written
// in Rego, evaluated with the Open Policy Agent library.
//
// Every rule is a Rego module whose package defines a "deny" set. The
// request is the input document under "policy", in its JSON form:
//
//	package polman.admission.owner
//
//	import rego.v1
//
//	deny contains violation if {
//	    not input.policy.action.extraParams.owner
//	    violation := {
//	        "message": "webhook actions must carry an owner parameter",
//	        "severity": "error",
//	    }
//	}
//
// Denials of severity error or critical reject the request with an
// admission error; warnings are logged. A few builtin rules are always
// loaded: action-url-scheme, duration-properties, reserved-thresholds,
// custom-subject-labels and policy-naming.
//
// Rules are read from .rego files, named after the file, or from .json
// files holding a Rule document. With watching enabled the rule files are
// reloaded when they change:
//
//	eng, err := admission.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadRules(ctx, []string{"/etc/polman/admission"}); err != nil {
//	    return err
//	}
//	if err := eng.Watch(ctx, []string{"/etc/polman/admission"}); err != nil {
//	    return err
//	}
package admission
